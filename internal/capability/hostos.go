package capability

import (
	"os"
	"sort"
)

// HostOS is the unrestricted os module. Only the warmup worker exposes it;
// under a restricted policy the name is on the deny list.
type HostOS struct{}

func (HostOS) Getenv(key string) string { return os.Getenv(key) }

func (HostOS) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

func (HostOS) WriteFile(path, data string) error {
	return os.WriteFile(path, []byte(data), 0o644)
}

func (HostOS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}
