package redis

import "fmt"

const pendingStreakSet = "focus:sessions:pending_streak"

func sessionKey(id string) string {
	return fmt.Sprintf("focus:session:%s", id)
}

func userActiveKey(userID string) string {
	return fmt.Sprintf("focus:sessions:user:%s", userID)
}

func streakKey(userID string) string {
	return fmt.Sprintf("focus:streak:%s", userID)
}
