package rbac

import "context"

// memoryRepo injects read failures into MemoryRepository.
type memoryRepo struct {
	*MemoryRepository
	listErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{MemoryRepository: NewMemoryRepository()}
}

func (m *memoryRepo) ActiveUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.MemoryRepository.ActiveUserRoles(ctx, userID)
}

var _ Repository = (*memoryRepo)(nil)
