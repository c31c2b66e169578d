package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"moontele/internal/transport"
)

const DefaultTemplatesPath = "./target_templates.json"

// Templates is the target template file:
//
//	{ "<account>": { "<template>": [ {chat_id, chat_title, topic_id, topic_title}, ... ] } }
//
// A legacy file without the account level is migrated under the account
// given to LoadTemplates and written back.
type Templates struct {
	path string

	mu       sync.Mutex
	accounts map[string]map[string][]transport.Target
}

// LoadTemplates reads path. A missing file yields an empty set.
func LoadTemplates(path, account string) (*Templates, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultTemplatesPath
	}
	t := &Templates{path: path, accounts: map[string]map[string][]transport.Target{}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return t, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, transport.Wrap(transport.KindConfig, "parse "+path, err)
	}
	if isLegacy(raw) {
		if account == "" {
			return nil, transport.Errorf(transport.KindConfig, "%s uses the legacy format; an account name is required to migrate it", path)
		}
		var flat map[string][]transport.Target
		if err := json.Unmarshal(b, &flat); err != nil {
			return nil, transport.Wrap(transport.KindConfig, "parse legacy "+path, err)
		}
		t.accounts[account] = flat
		if err := t.Save(); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", path, err)
		}
		return t, nil
	}
	if err := json.Unmarshal(b, &t.accounts); err != nil {
		return nil, transport.Wrap(transport.KindConfig, "parse "+path, err)
	}
	return t, nil
}

// isLegacy reports whether the top-level values are target lists.
func isLegacy(raw map[string]json.RawMessage) bool {
	for _, v := range raw {
		s := strings.TrimSpace(string(v))
		if strings.HasPrefix(s, "[") {
			return true
		}
	}
	return false
}

// Get returns one template of an account. With an empty account every
// account is searched and matching lists are concatenated in account order.
func (t *Templates) Get(account, name string) ([]transport.Target, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if account != "" {
		targets, ok := t.accounts[account][name]
		if !ok {
			return nil, transport.Errorf(transport.KindConfig, "template %q not found for account %q", name, account)
		}
		return append([]transport.Target(nil), targets...), nil
	}
	var out []transport.Target
	found := false
	for _, acc := range sortedAccountNames(t.accounts) {
		if targets, ok := t.accounts[acc][name]; ok {
			found = true
			out = append(out, targets...)
		}
	}
	if !found {
		return nil, transport.Errorf(transport.KindConfig, "template %q not found", name)
	}
	return out, nil
}

// Names lists the template names of an account, sorted.
func (t *Templates) Names(account string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.accounts[account]))
	for n := range t.accounts[account] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Put replaces a template. Duplicated targets are kept.
func (t *Templates) Put(account, name string, targets []transport.Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accounts[account] == nil {
		t.accounts[account] = map[string][]transport.Target{}
	}
	t.accounts[account][name] = append([]transport.Target(nil), targets...)
}

// Save writes the file atomically.
func (t *Templates) Save() error {
	t.mu.Lock()
	b, err := json.MarshalIndent(t.accounts, "", "    ")
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(t.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

func sortedAccountNames(m map[string]map[string][]transport.Target) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
