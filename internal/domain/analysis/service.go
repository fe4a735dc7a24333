package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/riskwatch/internal/domain/observation"
	"github.com/ehr/riskwatch/internal/domain/risk"
	"github.com/ehr/riskwatch/internal/platform/fhir"
	"github.com/ehr/riskwatch/internal/platform/metrics"
)

const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
	SourceCLI  = "cli"
)

var (
	// ErrInvalidRequest marks request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotEscalatable is returned when a report does not meet the
	// configured escalation policy.
	ErrNotEscalatable = errors.New("report does not meet the escalation policy")
	// ErrNotDelivered is returned when escalating a report that has not been stored yet.
	ErrNotDelivered = errors.New("report has not been delivered")
)

// RecordStore accepts transaction bundles; fhirclient.Client and
// db.ResourceStore both satisfy it.
type RecordStore interface {
	Name() string
	Submit(ctx context.Context, b *fhir.Bundle) (*fhir.Receipt, error)
}

type Service struct {
	classifier *risk.Classifier
	records    RecordStore
	store      Store
	builder    *observation.Builder
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(classifier *risk.Classifier, records RecordStore, store Store, logger zerolog.Logger) *Service {
	return &Service{
		classifier: classifier,
		records:    records,
		store:      store,
		builder:    observation.NewBuilder(),
		logger:     logger.With().Str("component", "analysis").Logger(),
		now:        time.Now,
	}
}

// Classify evaluates a snapshot and builds its bundle without delivering it.
func (s *Service) Classify(_ context.Context, req AnalyzeRequest) (*ClassifyResult, error) {
	source := req.Source
	if source == "" {
		source = SourceHTTP
	}
	report, order, err := s.classifier.ClassifyRaw(req.Vitals, strings.TrimSpace(req.PatientID), req.Basis...)
	if err != nil {
		var de *risk.DataError
		if errors.As(err, &de) {
			metrics.RecordDataError(de.Field, source)
		}
		return nil, err
	}
	metrics.RecordClassification(string(report.Classification), source)
	if order != nil {
		metrics.RecordEscalation("automatic")
	}

	bundle, err := risk.BuildTransaction(report, order)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	return &ClassifyResult{Report: report, Order: order, Bundle: bundle}, nil
}

// Analyze classifies a snapshot and delivers it. When delivery fails the
// analysis is returned together with the *fhir.DeliveryError and remains
// pending for Redeliver.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	res, err := s.Classify(ctx, req)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	a := &Analysis{
		ID:        res.Report.ID,
		Source:    req.Source,
		Report:    res.Report,
		Order:     res.Order,
		Bundle:    res.Bundle,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if a.Source == "" {
		a.Source = SourceHTTP
	}
	if err := s.store.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	return a, s.deliver(ctx, a)
}

// Redeliver retries delivery of a stored analysis with its original bundle.
// An already delivered analysis is returned unchanged.
func (s *Service) Redeliver(ctx context.Context, id string) (*Analysis, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State == StateDelivered {
		return a, nil
	}
	return a, s.deliver(ctx, a)
}

func (s *Service) deliver(ctx context.Context, a *Analysis) error {
	a.Attempts++
	start := time.Now()
	receipt, err := s.records.Submit(ctx, a.Bundle)
	metrics.RecordDelivery(s.records.Name(), err == nil, time.Since(start))
	a.UpdatedAt = s.now().UTC()

	if err != nil {
		de, ok := fhir.AsDeliveryError(err)
		if !ok {
			de = &fhir.DeliveryError{Err: err}
		}
		a.LastError = de.Error()
		s.logger.Warn().Err(de).
			Str("analysis_id", a.ID).
			Str("store", s.records.Name()).
			Strs("resources", a.Bundle.ResourceTypes()).
			Int("attempts", a.Attempts).
			Msg("delivery failed, analysis kept pending")
		if saveErr := s.store.Save(ctx, a); saveErr != nil {
			s.logger.Error().Err(saveErr).Str("analysis_id", a.ID).Msg("failed to update pending analysis")
		}
		s.refreshPending(ctx)
		return de
	}

	a.State = StateDelivered
	a.LastError = ""
	a.Receipt = receipt
	if err := s.store.Save(ctx, a); err != nil {
		s.logger.Error().Err(err).Str("analysis_id", a.ID).Msg("failed to record delivery")
	}
	s.refreshPending(ctx)
	s.logger.Info().
		Str("analysis_id", a.ID).
		Str("patient_id", a.Report.PatientID).
		Str("classification", string(a.Report.Classification)).
		Str("store", s.records.Name()).
		Msg("analysis delivered")
	return nil
}

func (s *Service) refreshPending(ctx context.Context) {
	n, err := s.store.CountPending(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("count pending analyses")
		return
	}
	metrics.SetPending(n)
}

func (s *Service) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListPending(ctx context.Context, limit, offset int) ([]*Analysis, int, error) {
	return s.store.ListPending(ctx, limit, offset)
}

// Escalate submits a clinician-triggered escalation order for a delivered
// report that meets the classifier's escalation policy.
func (s *Service) Escalate(ctx context.Context, id string) (*EscalationResult, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.classifier.ShouldEscalate(a.Report) {
		return nil, ErrNotEscalatable
	}
	reportRef, ok := a.ReportReference()
	if !ok {
		return nil, ErrNotDelivered
	}

	order := s.classifier.NewEscalationOrder(a.Report)
	bundle, err := risk.BuildOrderTransaction(order, reportRef)
	if err != nil {
		return nil, fmt.Errorf("build order transaction: %w", err)
	}
	start := time.Now()
	receipt, err := s.records.Submit(ctx, bundle)
	metrics.RecordDelivery(s.records.Name(), err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	metrics.RecordEscalation("clinician")

	a.Escalations = append(a.Escalations, order)
	a.UpdatedAt = s.now().UTC()
	if err := s.store.Save(ctx, a); err != nil {
		s.logger.Error().Err(err).Str("analysis_id", a.ID).Msg("failed to record escalation")
	}
	s.logger.Info().
		Str("analysis_id", a.ID).
		Str("order_id", order.ID).
		Str("report", reportRef).
		Msg("escalation order submitted")
	return &EscalationResult{AnalysisID: a.ID, Order: order, Receipt: receipt}, nil
}

// UploadVitals stores a raw vitals snapshot as Patient and Observation
// resources. With Analyze set, the snapshot is then classified against the
// stored patient, based on the stored observations.
func (s *Service) UploadVitals(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if strings.TrimSpace(req.Subject.Identifier) == "" {
		return nil, fmt.Errorf("%w: subject.identifier is required", ErrInvalidRequest)
	}
	v, err := risk.ParseVitals(req.Vitals)
	if err != nil {
		var de *risk.DataError
		if errors.As(err, &de) {
			metrics.RecordDataError(de.Field, SourceHTTP)
		}
		return nil, err
	}
	upload, err := s.builder.BuildVitalsBundle(req.Subject, v, req.Location)
	if err != nil {
		return nil, fmt.Errorf("build vitals bundle: %w", err)
	}

	start := time.Now()
	receipt, err := s.records.Submit(ctx, upload.Bundle)
	metrics.RecordDelivery(s.records.Name(), err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}

	res := &UploadResult{
		PatientRef:     storedReference(receipt, "Patient", upload.PatientID),
		ObservationRef: storedReference(receipt, "Observation", upload.FirstObservationID),
		Receipt:        receipt,
	}
	if !req.Analyze {
		return res, nil
	}

	basis := make([]string, 0, len(upload.ObservationIDs))
	for _, id := range upload.ObservationIDs {
		basis = append(basis, storedReference(receipt, "Observation", id))
	}
	_, patientID := fhir.ParseEntryURL(res.PatientRef)
	a, err := s.Analyze(ctx, AnalyzeRequest{
		PatientID: patientID,
		Vitals:    req.Vitals,
		Basis:     basis,
		Source:    SourceHTTP,
	})
	res.Analysis = a
	return res, err
}

// SendInstruction delivers a clinician message to the patient as a
// CommunicationRequest.
func (s *Service) SendInstruction(ctx context.Context, req InstructionRequest) (*InstructionResult, error) {
	if strings.TrimSpace(req.PatientRef) == "" {
		return nil, fmt.Errorf("%w: patient_ref is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	inst, err := s.builder.BuildInstruction(req.PatientRef, req.Message, req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	start := time.Now()
	receipt, err := s.records.Submit(ctx, inst.Bundle)
	metrics.RecordDelivery(s.records.Name(), err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &InstructionResult{ID: inst.ID, Receipt: receipt}, nil
}

// SubmitBundle delivers a prepared transaction bundle as is, e.g. one saved
// from an earlier classify run. Dangling urn:uuid references are rejected
// before anything is sent.
func (s *Service) SubmitBundle(ctx context.Context, b *fhir.Bundle) (*fhir.Receipt, error) {
	if err := fhir.ValidateReferences(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	start := time.Now()
	receipt, err := s.records.Submit(ctx, b)
	metrics.RecordDelivery(s.records.Name(), err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Strs("resources", b.ResourceTypes()).
		Str("store", s.records.Name()).
		Msg("bundle submitted")
	return receipt, nil
}

// storedReference resolves a bundle-local id to the reference assigned by
// the store, falling back to the client id.
func storedReference(r *fhir.Receipt, resourceType, id string) string {
	if loc, ok := r.Location(id); ok {
		if ref := fhir.LocationReference(loc); ref != "" {
			return ref
		}
	}
	return fhir.FormatReference(resourceType, id)
}
