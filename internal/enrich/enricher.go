// Package enrich looks up live process metadata that the capture path does
// not carry: working directory, owning user and environment of a pid, and
// the user name behind a uid.
//
// Lookups go to the OS process table on every call. Only uid → name results
// are cached, since user names do not change under a running monitor while
// pids are recycled.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultUserCacheSize is used when New is given a non-positive size.
const DefaultUserCacheSize = 256

// ProcessInfo is the metadata of a live process.
type ProcessInfo struct {
	PID  uint32
	Cwd  string
	User string
	Env  []string
}

func (p ProcessInfo) String() string {
	return fmt.Sprintf("{cwd: %q, user: %q, env: %d vars}", p.Cwd, p.User, len(p.Env))
}

// Enricher resolves pids and uids against the live system.
type Enricher struct {
	users *lru.Cache[uint32, string]

	// lookupUser is os/user.LookupId; replaced in tests.
	lookupUser func(uid string) (*user.User, error)
}

// New returns an Enricher caching up to cacheSize user names.
func New(cacheSize int) (*Enricher, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultUserCacheSize
	}
	users, err := lru.New[uint32, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("enrich: create user cache: %w", err)
	}
	return &Enricher{users: users, lookupUser: user.LookupId}, nil
}

// Process looks up pid in the process table. found is false, with a nil
// error, when the process no longer exists. Fields the caller may not read
// (another user's environment, for instance) are left empty.
func (e *Enricher) Process(ctx context.Context, pid uint32) (info ProcessInfo, found bool, err error) {
	if pid == 0 {
		return ProcessInfo{}, false, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ProcessInfo{}, false, nil
		}
		return ProcessInfo{}, false, fmt.Errorf("enrich: pid %d: %w", pid, err)
	}

	info.PID = pid
	if cwd, err := p.CwdWithContext(ctx); err == nil {
		info.Cwd = cwd
	}
	if name, err := p.UsernameWithContext(ctx); err == nil {
		info.User = name
	}
	if env, err := p.EnvironWithContext(ctx); err == nil {
		info.Env = env
	}
	return info, true, nil
}

// Username resolves uid to a login name. ok is false for unknown uids.
func (e *Enricher) Username(uid uint32) (name string, ok bool) {
	if name, ok := e.users.Get(uid); ok {
		return name, true
	}
	u, err := e.lookupUser(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", false
	}
	e.users.Add(uid, u.Username)
	return u.Username, true
}
