package taxonomy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebtf/docreview/pkg/models"
)

//go:embed defaults.yaml
var defaultTree []byte

// Source identifies where the published tree was loaded from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceFile     Source = "file"
	SourceEmbedded Source = "embedded"
)

// maxRemoteSize bounds the size of a remote tree document.
const maxRemoteSize = 4 << 20

// Options configures tree loading. Both overrides are optional.
type Options struct {
	HTTPClient   *http.Client
	RemoteURL    string
	OverridePath string
	Timeout      time.Duration
}

type snapshot struct {
	tree     *Tree
	loadedAt time.Time
	source   Source
}

// Taxonomy publishes the current classification tree and reloads it on demand.
// Readers always see a complete tree; a reload swaps the pointer.
type Taxonomy struct {
	current atomic.Pointer[snapshot]
	client  *http.Client
	log     zerolog.Logger
	opts    Options
}

// Default returns a taxonomy backed by the embedded tree only.
func Default() *Taxonomy {
	t, err := New(context.Background(), Options{}, zerolog.Nop())
	if err != nil {
		panic(fmt.Sprintf("embedded taxonomy is invalid: %v", err))
	}
	return t
}

// New loads the tree following remote > file > embedded precedence.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (*Taxonomy, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	t := &Taxonomy{
		client: client,
		log:    logger.With().Str("component", "taxonomy").Logger(),
		opts:   opts,
	}
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Refresh reloads the tree. A failing override is logged and the next source is tried;
// only an invalid embedded tree is an error.
func (t *Taxonomy) Refresh(ctx context.Context) error {
	if t.opts.RemoteURL != "" {
		tree, err := t.fetchRemote(ctx)
		if err == nil {
			t.publish(tree, SourceRemote)
			return nil
		}
		t.log.Warn().Err(err).Str("url", t.opts.RemoteURL).Msg("Remote taxonomy unavailable, falling back")
	}

	if t.opts.OverridePath != "" {
		tree, err := loadFile(t.opts.OverridePath)
		if err == nil {
			t.publish(tree, SourceFile)
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			t.log.Warn().Err(err).Str("path", t.opts.OverridePath).Msg("Taxonomy override file invalid, falling back")
		}
	}

	tree, err := Parse(defaultTree)
	if err != nil {
		return fmt.Errorf("embedded taxonomy: %w", err)
	}
	t.publish(tree, SourceEmbedded)
	return nil
}

func (t *Taxonomy) fetchRemote(ctx context.Context) (*Tree, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.RemoteURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/yaml, application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch taxonomy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch taxonomy: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize))
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	return Parse(data)
}

func loadFile(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (t *Taxonomy) publish(tree *Tree, source Source) {
	t.current.Store(&snapshot{tree: tree, source: source, loadedAt: time.Now()})
	sizes := tree.Size()
	t.log.Info().
		Str("source", string(source)).
		Int("version", tree.Version()).
		Int("object_types", sizes[models.LevelObjectType]).
		Int("document_types", sizes[models.LevelDocumentType]).
		Msg("Taxonomy loaded")
}

// Tree returns the currently published tree.
func (t *Taxonomy) Tree() *Tree { return t.current.Load().tree }

// Source returns where the current tree came from.
func (t *Taxonomy) Source() Source { return t.current.Load().source }

// LoadedAt returns when the current tree was published.
func (t *Taxonomy) LoadedAt() time.Time { return t.current.Load().loadedAt }

// OverridePath returns the local override file, if configured.
func (t *Taxonomy) OverridePath() string { return t.opts.OverridePath }

// ChildrenOf delegates to the current tree.
func (t *Taxonomy) ChildrenOf(level int, parentKey string) ([]models.ClassificationNode, error) {
	return t.Tree().ChildrenOf(level, parentKey)
}

// ChildrenAt delegates to the current tree.
func (t *Taxonomy) ChildrenAt(path ...string) ([]models.ClassificationNode, error) {
	return t.Tree().ChildrenAt(path...)
}

// IsComplete delegates to the current tree.
func (t *Taxonomy) IsComplete(c models.DocumentClassification) bool {
	return t.Tree().IsComplete(c)
}

// Validate delegates to the current tree.
func (t *Taxonomy) Validate(c models.DocumentClassification) error {
	return t.Tree().Validate(c)
}

// Breadcrumb delegates to the current tree.
func (t *Taxonomy) Breadcrumb(c models.DocumentClassification) ([]string, error) {
	return t.Tree().Breadcrumb(c)
}
