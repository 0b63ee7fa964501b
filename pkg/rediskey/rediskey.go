package rediskey

import "fmt"

// Shared key namespaces (global convention across instances)
const (
	LeaderboardPrefix = "rewards:leaderboard"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLeaderboardKey returns "rewards:leaderboard:{scope}"
func BuildLeaderboardKey(scope string) string {
	return NamespaceKey(LeaderboardPrefix, scope)
}
