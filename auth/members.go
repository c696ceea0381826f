package auth

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
)

const isMemberSQL = "SELECT 1 FROM league_members WHERE league_id = ? AND identity = ?"

// LeagueMembers resolves league membership.
type LeagueMembers interface {
	IsMember(ctx context.Context, leagueID, identity string) (bool, error)
}

// StaticMembers is an in memory membership table.
type StaticMembers struct {
	sync.RWMutex
	// league id -> identity set
	kv map[string]map[string]struct{}
}

func NewStaticMembers() *StaticMembers {
	return &StaticMembers{kv: make(map[string]map[string]struct{})}
}

// LoadStaticMembers reads a file of `<league id> <identity>` lines; `#` starts a comment.
func LoadStaticMembers(name string) (*StaticMembers, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := NewStaticMembers()
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expect `<league id> <identity>`", name, n)
		}
		m.Add(fields[0], fields[1])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *StaticMembers) Add(leagueID string, identities ...string) {
	m.Lock()
	defer m.Unlock()
	v, ok := m.kv[leagueID]
	if !ok {
		v = make(map[string]struct{})
		m.kv[leagueID] = v
	}
	for _, id := range identities {
		v[id] = struct{}{}
	}
}

func (m *StaticMembers) Remove(leagueID, identity string) {
	m.Lock()
	defer m.Unlock()
	if v, ok := m.kv[leagueID]; ok {
		delete(v, identity)
	}
}

func (m *StaticMembers) IsMember(ctx context.Context, leagueID, identity string) (bool, error) {
	m.RLock()
	defer m.RUnlock()
	_, ok := m.kv[leagueID][identity]
	return ok, nil
}

// SQLMembers reads the `league_members` table.
type SQLMembers struct {
	*sql.DB
}

func (m *SQLMembers) IsMember(ctx context.Context, leagueID, identity string) (bool, error) {
	var one int
	if err := m.QueryRowContext(ctx, isMemberSQL, leagueID, identity).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
