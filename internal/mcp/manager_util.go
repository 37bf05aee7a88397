package mcp

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

// toolFilter applies a server's allow/deny lists to original tool names.
// Deny takes priority; an empty allow list admits everything.
type toolFilter struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

func newToolFilter(allow, deny []string) toolFilter {
	return toolFilter{allow: toSet(allow), deny: toSet(deny)}
}

func (f toolFilter) allows(name string) bool {
	if _, denied := f.deny[name]; denied {
		return false
	}
	if len(f.allow) > 0 {
		_, ok := f.allow[name]
		return ok
	}
	return true
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}
