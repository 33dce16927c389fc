package contracts

import "strings"

// RoutingKey joins entity and action under prefix, e.g. "demo.user.add"
func RoutingKey(prefix, entity, action string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, entity, action} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// ParseRoutingKey splits a key into its entity and action. The first
// segment is the prefix and the last is the action; everything between
// is the entity.
func ParseRoutingKey(key string) (entity, action string) {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return "", key
	}
	action = parts[len(parts)-1]
	if len(parts) > 2 {
		entity = strings.Join(parts[1:len(parts)-1], ".")
	}
	return entity, action
}

// MatchRoutingKey reports whether key matches a topic binding pattern,
// where "*" matches exactly one word and "#" matches zero or more.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
