package ledger

import "github.com/google/uuid"

// UserRegistry is the append-only list of users that ever held a balance.
// Each user gets a stable index on first sight; re-registration is a no-op.
type UserRegistry struct {
	users []uuid.UUID
	index map[uuid.UUID]int
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{
		index: make(map[uuid.UUID]int),
	}
}

// Register records userID and returns its index and whether it was new
func (r *UserRegistry) Register(userID uuid.UUID) (int, bool) {
	if idx, ok := r.index[userID]; ok {
		return idx, false
	}
	idx := len(r.users)
	r.users = append(r.users, userID)
	r.index[userID] = idx
	return idx, true
}

func (r *UserRegistry) Contains(userID uuid.UUID) bool {
	_, ok := r.index[userID]
	return ok
}

func (r *UserRegistry) Len() int {
	return len(r.users)
}

// At returns the user registered at idx
func (r *UserRegistry) At(idx int) (uuid.UUID, bool) {
	if idx < 0 || idx >= len(r.users) {
		return uuid.Nil, false
	}
	return r.users[idx], true
}

// Users returns a copy of the registry in registration order
func (r *UserRegistry) Users() []uuid.UUID {
	out := make([]uuid.UUID, len(r.users))
	copy(out, r.users)
	return out
}
