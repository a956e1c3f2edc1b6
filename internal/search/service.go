package search

import (
	"context"
	"log/slog"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/events"
	"formpilot/api/internal/form"
	"formpilot/api/internal/logging"
)

const (
	BackendMeili = "meilisearch"
	BackendStore = "store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// document store.
type Service struct {
	meili    *Meili
	fallback *StoreSearcher
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback *StoreSearcher, logger *slog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, logger: logging.Or(logger, "search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		s.logger.Warn("meilisearch error, falling back to store", "error", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("store search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: BackendStore}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendStore}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) IndexForm(f form.Form) error {
	if !s.indexing() {
		return nil
	}
	return s.meili.IndexForm(RecordFor(f))
}

func (s *Service) DeleteForm(id string) error {
	if !s.indexing() {
		return nil
	}
	return s.meili.DeleteForm(id)
}

// ReindexAll pushes every stored form to Meilisearch. It returns the number
// of records sent, zero when Meilisearch is unavailable.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if !s.indexing() || s.fallback == nil {
		return 0, nil
	}
	records, err := s.fallback.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.meili.IndexForms(records); err != nil {
		return 0, err
	}
	s.logger.Info("reindexed forms", "count", len(records))
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// FormLoader reads the current form for the indexer.
type FormLoader interface {
	GetByID(ctx context.Context, id string) (form.Form, error)
}

// Indexer keeps the index in step with form.changed and form.deleted
// events.
type Indexer struct {
	search *Service
	forms  FormLoader
}

func NewIndexer(search *Service, forms FormLoader) *Indexer {
	return &Indexer{search: search, forms: forms}
}

// Handle is an events.Bus form subscriber.
func (i *Indexer) Handle(ctx context.Context, event events.FormEvent) error {
	if event.Type == events.FormDeleted {
		return i.search.DeleteForm(event.FormID)
	}
	f, err := i.forms.GetByID(ctx, event.FormID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return i.search.DeleteForm(event.FormID)
		}
		return err
	}
	return i.search.IndexForm(f)
}
