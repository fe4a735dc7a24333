package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/riskwatch/internal/platform/fhir"
)

const StoreName = "postgres"

// ErrResourceNotFound is returned by Get for an unknown resource.
var ErrResourceNotFound = errors.New("resource not found")

// ResourceStore is a Clinical Record Store that applies FHIR transaction
// bundles to the fhir_resource table. A bundle is applied in one database
// transaction: every entry is stored or none is.
type ResourceStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	now    func() time.Time
}

func NewResourceStore(pool *pgxpool.Pool, logger zerolog.Logger) *ResourceStore {
	return &ResourceStore{
		pool:   pool,
		logger: logger.With().Str("component", "resource_store").Logger(),
		now:    time.Now,
	}
}

func (s *ResourceStore) Name() string { return StoreName }

// Submit stores every entry of b and answers like a FHIR server would.
func (s *ResourceStore) Submit(ctx context.Context, b *fhir.Bundle) (*fhir.Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &fhir.DeliveryError{Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	processor := fhir.NewTransactionProcessor(func(ctx context.Context, method, resourceType string, res map[string]interface{}) (*fhir.BundleResponse, error) {
		return s.upsert(ctx, tx, resourceType, res)
	})
	resp, err := processor.Process(ctx, b)
	if err != nil {
		var refErr *fhir.ReferenceError
		if errors.As(err, &refErr) {
			return nil, &fhir.DeliveryError{StatusCode: http.StatusBadRequest, Outcome: refErr.Outcome(), Err: err}
		}
		return nil, &fhir.DeliveryError{Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &fhir.DeliveryError{Err: fmt.Errorf("commit transaction: %w", err)}
	}

	s.logger.Debug().Strs("resources", b.ResourceTypes()).Msg("transaction stored")
	return &fhir.Receipt{
		Store:      StoreName,
		StatusCode: http.StatusOK,
		Locations:  fhir.EntryLocations(b, resp),
	}, nil
}

func (s *ResourceStore) upsert(ctx context.Context, tx pgx.Tx, resourceType string, res map[string]interface{}) (*fhir.BundleResponse, error) {
	if resourceType == "" {
		return nil, fmt.Errorf("request url names no resource type")
	}
	if rt, _ := res["resourceType"].(string); rt != resourceType {
		return nil, fmt.Errorf("resource type %q does not match request url %q", rt, resourceType)
	}
	id, _ := res["id"].(string)
	if id == "" {
		id = uuid.NewString()
		res["id"] = id
	}

	now := s.now().UTC()
	var version int
	err := tx.QueryRow(ctx, `
		INSERT INTO fhir_resource (resource_type, id, version_id, subject_ref, resource, last_updated)
		VALUES ($1, $2, 1, $3, '{}'::jsonb, $4)
		ON CONFLICT (resource_type, id) DO UPDATE
		SET version_id = fhir_resource.version_id + 1, subject_ref = EXCLUDED.subject_ref, last_updated = EXCLUDED.last_updated
		RETURNING version_id`,
		resourceType, id, subjectRef(res), now,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("store %s/%s: %w", resourceType, id, err)
	}

	res["meta"] = map[string]interface{}{
		"versionId":   strconv.Itoa(version),
		"lastUpdated": now.Format(time.RFC3339),
	}
	body, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s: %w", resourceType, id, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE fhir_resource SET resource = $3 WHERE resource_type = $1 AND id = $2`,
		resourceType, id, body,
	); err != nil {
		return nil, fmt.Errorf("store %s/%s body: %w", resourceType, id, err)
	}

	status := "201 Created"
	if version > 1 {
		status = "200 OK"
	}
	return &fhir.BundleResponse{
		Status:       status,
		Location:     fmt.Sprintf("%s/%s/_history/%d", resourceType, id, version),
		ETag:         fmt.Sprintf(`W/"%d"`, version),
		LastModified: &now,
	}, nil
}

// Get returns the stored JSON of one resource.
func (s *ResourceStore) Get(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT resource FROM fhir_resource WHERE resource_type = $1 AND id = $2`,
		resourceType, id,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, err)
	}
	return body, nil
}

// subjectRef pulls subject.reference (or patient.reference) for indexing.
func subjectRef(res map[string]interface{}) *string {
	for _, key := range []string{"subject", "patient"} {
		if m, ok := res[key].(map[string]interface{}); ok {
			if ref, ok := m["reference"].(string); ok && ref != "" {
				return &ref
			}
		}
	}
	return nil
}
