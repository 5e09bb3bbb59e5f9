package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/refhub/refsync-worker/internal/adapter"
	"github.com/refhub/refsync-worker/internal/models"
	"github.com/refhub/refsync-worker/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockIntegrationStore keeps one integration row in memory and enforces the
// same optimistic updatedAt check as the real repository.
type mockIntegrationStore struct {
	mu          sync.Mutex
	integration *models.Integration
	due         []models.Integration
	tokenCalls  int
	updateCalls int
}

func newMockIntegrationStore(integration *models.Integration) *mockIntegrationStore {
	return &mockIntegrationStore{integration: integration}
}

func (m *mockIntegrationStore) snapshot() models.Integration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.integration
}

func (m *mockIntegrationStore) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.integration == nil || m.integration.ID != id {
		return nil, repository.ErrIntegrationNotFound
	}
	cp := *m.integration
	return &cp, nil
}

func (m *mockIntegrationStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.due, nil
}

func (m *mockIntegrationStore) UpdateChecked(ctx context.Context, id string, expectedUpdatedAt time.Time, updates map[string]interface{}) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.integration == nil || m.integration.ID != id {
		return time.Time{}, repository.ErrIntegrationNotFound
	}
	if !m.integration.UpdatedAt.Equal(expectedUpdatedAt) {
		return time.Time{}, repository.ErrStaleIntegration
	}
	now := time.Now()
	for field, value := range updates {
		switch field {
		case "syncMetadata":
			m.integration.SyncMetadata = value.(models.JSONB)
		case "lastSyncAt":
			t := value.(time.Time)
			m.integration.LastSyncAt = &t
		case "isActive":
			m.integration.IsActive = value.(bool)
		default:
			return time.Time{}, fmt.Errorf("unexpected update field %q", field)
		}
	}
	m.integration.UpdatedAt = now
	return now, nil
}

func (m *mockIntegrationStore) UpdateTokens(ctx context.Context, id string, expectedUpdatedAt time.Time, accessToken string, refreshToken string, expiresAt *time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenCalls++
	if m.integration == nil || m.integration.ID != id {
		return time.Time{}, repository.ErrIntegrationNotFound
	}
	if !m.integration.UpdatedAt.Equal(expectedUpdatedAt) {
		return time.Time{}, repository.ErrStaleIntegration
	}
	now := time.Now()
	m.integration.AccessToken = &accessToken
	m.integration.RefreshToken = &refreshToken
	m.integration.TokenExpiresAt = expiresAt
	m.integration.UpdatedAt = now
	return now, nil
}

func (m *mockIntegrationStore) SetActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.integration == nil || m.integration.ID != id {
		return repository.ErrIntegrationNotFound
	}
	m.integration.IsActive = active
	m.integration.UpdatedAt = time.Now()
	return nil
}

// mockLiteratureStore is an in-memory literature table keyed by the external key
type mockLiteratureStore struct {
	mu   sync.Mutex
	rows map[string]*models.Literature
}

func newMockLiteratureStore() *mockLiteratureStore {
	return &mockLiteratureStore{rows: make(map[string]*models.Literature)}
}

func externalKey(userID, externalID, syncSource string) string {
	return userID + "|" + externalID + "|" + syncSource
}

func (m *mockLiteratureStore) FindByExternalKey(ctx context.Context, userID, externalID, syncSource string) (*models.Literature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[externalKey(userID, externalID, syncSource)]
	if !ok {
		return nil, repository.ErrLiteratureNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *mockLiteratureStore) Insert(ctx context.Context, lit *models.Literature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lit.ExternalID == nil || lit.SyncSource == nil {
		return fmt.Errorf("sync inserts must carry an external key")
	}
	key := externalKey(lit.UserID, *lit.ExternalID, *lit.SyncSource)
	if _, exists := m.rows[key]; exists {
		return fmt.Errorf("duplicate external key %s", key)
	}
	cp := *lit
	m.rows[key] = &cp
	return nil
}

func (m *mockLiteratureStore) UpdateFields(ctx context.Context, id string, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ID != id {
			continue
		}
		explicitUpdatedAt := false
		for field, value := range updates {
			switch field {
			case "title":
				row.Title = value.(string)
			case "authors":
				row.Authors, _ = value.(*string)
			case "year":
				row.Year, _ = value.(*int)
			case "type":
				row.Type, _ = value.(*string)
			case "doi":
				row.DOI, _ = value.(*string)
			case "isbn":
				row.ISBN, _ = value.(*string)
			case "issn":
				row.ISSN, _ = value.(*string)
			case "abstract":
				row.Abstract, _ = value.(*string)
			case "lastSyncedAt":
				t := value.(time.Time)
				row.LastSyncedAt = &t
			case "syncMetadata":
				row.SyncMetadata = value.(models.JSONB)
			case "updatedAt":
				row.UpdatedAt = value.(time.Time)
				explicitUpdatedAt = true
			default:
				return fmt.Errorf("unexpected update field %q", field)
			}
		}
		if !explicitUpdatedAt {
			row.UpdatedAt = time.Now()
		}
		return nil
	}
	return repository.ErrLiteratureNotFound
}

func (m *mockLiteratureStore) get(userID, externalID, syncSource string) *models.Literature {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[externalKey(userID, externalID, syncSource)]
}

// fakeAdapter scripts the remote service for runner tests
type fakeAdapter struct {
	service       string
	refreshFunc   func(ctx context.Context, creds adapter.Credentials) (*adapter.Credentials, error)
	listFunc      func(ctx context.Context, cursor string) (*adapter.ChangePage, error)
	normalizeFunc func(record adapter.RemoteRecord) (*adapter.Fields, error)
}

func (f *fakeAdapter) Service() string {
	if f.service != "" {
		return f.service
	}
	return "fake"
}

func (f *fakeAdapter) Refresh(ctx context.Context, creds adapter.Credentials) (*adapter.Credentials, error) {
	if f.refreshFunc != nil {
		return f.refreshFunc(ctx, creds)
	}
	return &creds, nil
}

func (f *fakeAdapter) ListChanges(ctx context.Context, creds adapter.Credentials, collection adapter.CollectionRef, cursor string, pageSize int) (*adapter.ChangePage, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx, cursor)
	}
	return &adapter.ChangePage{Done: true}, nil
}

func (f *fakeAdapter) Normalize(record adapter.RemoteRecord) (*adapter.Fields, error) {
	if f.normalizeFunc != nil {
		return f.normalizeFunc(record)
	}
	title, _ := record.Raw["title"].(string)
	if title == "" {
		title = "untitled"
	}
	return &adapter.Fields{Title: title}, nil
}
