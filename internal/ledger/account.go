package ledger

import (
	"fmt"
	"strings"
)

// Scope is the top-level account namespace.
type Scope uint8

const (
	ScopeUser Scope = iota
	ScopeSystem
)

// Bucket names a sub-balance of an account.
type Bucket uint8

const (
	// BucketSpendable is the wagering balance. Only it is checked on debit.
	BucketSpendable Bucket = iota
	// BucketLocked holds vault-locked winnings, released by turnover.
	BucketLocked
	// BucketBonus receives referral commission.
	BucketBonus
	// BucketPool is the single bucket of every system account.
	BucketPool
)

var bucketNames = map[Bucket]string{
	BucketSpendable: "spendable",
	BucketLocked:    "locked",
	BucketBonus:     "bonus",
	BucketPool:      "pool",
}

func (b Bucket) String() string {
	if s, ok := bucketNames[b]; ok {
		return s
	}
	return "unknown"
}

// ParseBucket is the inverse of Bucket.String.
func ParseBucket(s string) (Bucket, error) {
	for b, name := range bucketNames {
		if name == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown bucket %q", s)
}

// UserBuckets lists the sub-balances every player account carries.
var UserBuckets = []Bucket{BucketSpendable, BucketLocked, BucketBonus}

// AccountKey identifies one balance row.
type AccountKey struct {
	Scope  Scope
	Owner  string // player id for users, pool name for system accounts
	Bucket Bucket
}

// UserKey creates a key for a player's sub-balance.
func UserKey(owner string, bucket Bucket) AccountKey {
	return AccountKey{Scope: ScopeUser, Owner: owner, Bucket: bucket}
}

// SystemKey creates a key for a named system reservoir.
func SystemKey(name string) AccountKey {
	return AccountKey{Scope: ScopeSystem, Owner: name, Bucket: BucketPool}
}

// AccountPath returns the string form used for storage and logging:
// "user:<owner>:<bucket>" or "system:<name>".
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case ScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner, k.Bucket)
	case ScopeSystem:
		return fmt.Sprintf("system:%s", k.Owner)
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	switch {
	case strings.HasPrefix(path, "system:"):
		name := strings.TrimPrefix(path, "system:")
		if name == "" {
			return AccountKey{}, fmt.Errorf("empty system account name in %q", path)
		}
		return SystemKey(name), nil
	case strings.HasPrefix(path, "user:"):
		rest := strings.TrimPrefix(path, "user:")
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		bucket, err := ParseBucket(rest[i+1:])
		if err != nil {
			return AccountKey{}, err
		}
		return UserKey(rest[:i], bucket), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope in %q", path)
}
