package policy

// ToolProfiles maps profile names (as they appear in configuration) to
// ready-made policies.
var ToolProfiles = map[string]*Policy{
	"assistant": {
		Profile: ProfileAssistant,
	},

	// Observation only, no state changes.
	"readonly": {
		Allow: []string{"group:readonly"},
	},

	"full": {
		Profile: ProfileFull,
	},

	"minimal": {
		Profile: ProfileMinimal,
	},
}

// GetProfilePolicy returns the policy for a named profile, or nil if the
// profile doesn't exist.
func GetProfilePolicy(name string) *Policy {
	return ToolProfiles[name]
}

// ListGroups returns all built-in group names.
func ListGroups() []string {
	groups := make([]string, 0, len(DefaultGroups))
	for name := range DefaultGroups {
		groups = append(groups, name)
	}
	return groups
}

// ListProfiles returns all available profile names.
func ListProfiles() []string {
	profiles := make([]string, 0, len(ToolProfiles))
	for name := range ToolProfiles {
		profiles = append(profiles, name)
	}
	return profiles
}

// IsGroup returns true if the name is a built-in group reference.
func IsGroup(name string) bool {
	_, ok := DefaultGroups[name]
	return ok
}

// GetGroupTools returns a copy of the tools in a built-in group, or nil if
// the group doesn't exist.
func GetGroupTools(name string) []string {
	tools, ok := DefaultGroups[name]
	if !ok {
		return nil
	}
	result := make([]string, len(tools))
	copy(result, tools)
	return result
}
