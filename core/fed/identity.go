package fed

import "strings"

// Host extracts the server component of a federated identifier such as
// "@alice:remote.example.com" or "!room:remote.example.com". It returns the
// empty string when the identifier carries no host component.
func Host(id string) string {
	idx := strings.IndexByte(id, ':')
	if idx < 0 || idx == len(id)-1 {
		return ""
	}
	return id[idx+1:]
}

// IsLocal reports whether the identifier belongs to the given local server.
func IsLocal(id, serverName string) bool {
	if serverName == "" {
		return false
	}
	return Host(id) == serverName
}

// IsUserID reports whether the entity string denotes a user identifier
// rather than a server name. Replication rows use this to distinguish local
// users from remote destinations.
func IsUserID(entity string) bool {
	return strings.HasPrefix(entity, "@")
}
