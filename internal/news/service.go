// Package news lists and edits portal news on behalf of a session.
package news

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/angtu-eios/portal/internal/auth"
	"github.com/angtu-eios/portal/internal/backend"
	"github.com/angtu-eios/portal/internal/rbac"
	"github.com/angtu-eios/portal/internal/shared"
)

const capabilityWorkers = 8

// API is the news part of the EIOS API.
type API interface {
	ListNews(ctx context.Context) ([]backend.News, error)
	GetNews(ctx context.Context, id int64) (backend.News, error)
	CreateNews(ctx context.Context, accessToken string, payload backend.NewsPayload) (backend.News, error)
	UpdateNews(ctx context.Context, accessToken string, id int64, payload backend.NewsPayload) (backend.News, error)
	DeleteNews(ctx context.Context, accessToken string, id int64) error
}

// Session is the caller on whose behalf news are edited. *auth.Manager
// satisfies it.
type Session interface {
	User() *auth.User
	AccessToken() string
	Refresh(ctx context.Context) (string, error)
	Resolver() *rbac.Resolver
}

// Input is the editable part of a news item.
type Input struct {
	Title    string `json:"title" validate:"required,max=200"`
	Content  string `json:"content" validate:"required"`
	ImageURL string `json:"imageUrl" validate:"omitempty,url"`
}

func (in Input) normalized() Input {
	return Input{
		Title:    strings.TrimSpace(in.Title),
		Content:  strings.TrimSpace(in.Content),
		ImageURL: strings.TrimSpace(in.ImageURL),
	}
}

// Capabilities tells a client which actions it may offer on an item.
type Capabilities struct {
	CanUpdate bool `json:"canUpdate"`
	CanDelete bool `json:"canDelete"`
}

// Item is a news item decorated with the caller's capabilities.
type Item struct {
	backend.News
	Capabilities Capabilities `json:"capabilities"`
}

// Service implements news use cases.
type Service struct {
	api       API
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService constructs a Service.
func NewService(api API, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{api: api, logger: logger.With(slog.String("component", "news")), validator: shared.NewValidator()}
}

// List returns every news item.
func (s *Service) List(ctx context.Context) ([]backend.News, error) {
	items, err := s.api.ListNews(ctx)
	if err != nil {
		return nil, fmt.Errorf("news: list: %w", err)
	}
	return items, nil
}

// Get returns one news item.
func (s *Service) Get(ctx context.Context, id int64) (backend.News, error) {
	item, err := s.api.GetNews(ctx, id)
	if err != nil {
		return backend.News{}, fmt.Errorf("news: get %d: %w", id, err)
	}
	return item, nil
}

// ListWithCapabilities returns every item with the caller's capabilities.
// Checks run concurrently; the order of items is preserved.
func (s *Service) ListWithCapabilities(ctx context.Context, sess Session) ([]Item, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Item, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(capabilityWorkers)
	for i, item := range items {
		g.Go(func() error {
			out[i] = Item{News: item, Capabilities: s.Capabilities(gctx, sess, item)}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetWithCapabilities returns one item with the caller's capabilities.
func (s *Service) GetWithCapabilities(ctx context.Context, sess Session, id int64) (Item, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	return Item{News: item, Capabilities: s.Capabilities(ctx, sess, item)}, nil
}

// Capabilities reports whether the caller may update or delete item. Both
// require the permission and authorship.
func (s *Service) Capabilities(ctx context.Context, sess Session, item backend.News) Capabilities {
	if sess == nil {
		return Capabilities{}
	}
	user := sess.User()
	if user == nil || !isAuthor(user, item) {
		return Capabilities{}
	}
	resolver := sess.Resolver()
	return Capabilities{
		CanUpdate: resolver.HasPermission(ctx, user, rbac.PermUpdateNews),
		CanDelete: resolver.HasPermission(ctx, user, rbac.PermDeleteNews),
	}
}

// Create publishes a news item. An image URL is required.
func (s *Service) Create(ctx context.Context, sess Session, in Input) (backend.News, error) {
	in = in.normalized()
	if err := s.validate(in, true); err != nil {
		return backend.News{}, err
	}
	user, err := s.authorize(ctx, sess, rbac.PermCreateNews)
	if err != nil {
		return backend.News{}, err
	}
	payload := backend.NewsPayload{Title: in.Title, Content: in.Content, Images: []string{in.ImageURL}}
	var created backend.News
	err = withSessionRetry(ctx, sess, func(token string) error {
		var callErr error
		created, callErr = s.api.CreateNews(ctx, token, payload)
		return callErr
	})
	if err != nil {
		return backend.News{}, fmt.Errorf("news: create: %w", err)
	}
	s.logger.Info("news created", slog.Int64("news_id", created.ID), slog.String("username", user.Username))
	return created, nil
}

// Update edits an item authored by the caller. An empty image URL keeps the
// existing images.
func (s *Service) Update(ctx context.Context, sess Session, id int64, in Input) (backend.News, error) {
	in = in.normalized()
	if err := s.validate(in, false); err != nil {
		return backend.News{}, err
	}
	user, err := s.authorize(ctx, sess, rbac.PermUpdateNews)
	if err != nil {
		return backend.News{}, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return backend.News{}, err
	}
	if !isAuthor(user, current) {
		return backend.News{}, fmt.Errorf("news: update %d: not the author: %w", id, shared.ErrForbidden)
	}
	images := current.Images
	if in.ImageURL != "" {
		images = []string{in.ImageURL}
	}
	payload := backend.NewsPayload{Title: in.Title, Content: in.Content, Images: images}
	var updated backend.News
	err = withSessionRetry(ctx, sess, func(token string) error {
		var callErr error
		updated, callErr = s.api.UpdateNews(ctx, token, id, payload)
		return callErr
	})
	if err != nil {
		return backend.News{}, fmt.Errorf("news: update %d: %w", id, err)
	}
	s.logger.Info("news updated", slog.Int64("news_id", id), slog.String("username", user.Username))
	return updated, nil
}

// Delete removes an item authored by the caller.
func (s *Service) Delete(ctx context.Context, sess Session, id int64) error {
	user, err := s.authorize(ctx, sess, rbac.PermDeleteNews)
	if err != nil {
		return err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !isAuthor(user, current) {
		return fmt.Errorf("news: delete %d: not the author: %w", id, shared.ErrForbidden)
	}
	err = withSessionRetry(ctx, sess, func(token string) error {
		return s.api.DeleteNews(ctx, token, id)
	})
	if err != nil {
		return fmt.Errorf("news: delete %d: %w", id, err)
	}
	s.logger.Info("news deleted", slog.Int64("news_id", id), slog.String("username", user.Username))
	return nil
}

func (s *Service) validate(in Input, requireImage bool) error {
	fields := map[string]string{}
	if err := s.validator.Struct(in); err != nil {
		var verr *shared.ValidationError
		if !errors.As(shared.ValidationFailure(err), &verr) {
			return err
		}
		for k, v := range verr.Fields {
			fields[k] = v
		}
	}
	if requireImage && in.ImageURL == "" {
		fields["imageUrl"] = "is required"
	}
	if len(fields) > 0 {
		return shared.NewValidationError(fields)
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, sess Session, perm string) (*auth.User, error) {
	if sess == nil || sess.User() == nil {
		return nil, fmt.Errorf("news: %w", shared.ErrSessionExpired)
	}
	user := sess.User()
	if !sess.Resolver().HasPermission(ctx, user, perm) {
		return nil, fmt.Errorf("news: missing %s: %w", perm, shared.ErrForbidden)
	}
	return user, nil
}

// withSessionRetry runs call with the session token; a 401 triggers one
// refresh and one retry.
func withSessionRetry(ctx context.Context, sess Session, call func(token string) error) error {
	err := call(sess.AccessToken())
	if !errors.Is(err, shared.ErrUnauthorized) {
		return err
	}
	token, refreshErr := sess.Refresh(ctx)
	if refreshErr != nil {
		return refreshErr
	}
	return call(token)
}

func isAuthor(user *auth.User, item backend.News) bool {
	authorID := item.AuthorID
	if item.Author != nil {
		authorID = item.Author.ID
	}
	return user != nil && authorID != 0 && authorID == user.ID
}
