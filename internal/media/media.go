// Package media defines the contract for the external commerce media gallery.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrMediaNotFound   = errors.New("media not found")
	ErrTransient       = errors.New("provider transient failure")
	ErrJobTimeout      = errors.New("provider job timed out")
	ErrRejected        = errors.New("provider rejected request")
	ErrNotFetchable    = errors.New("source not fetchable by provider")
)

// Media is one file as the provider reports it.
type Media struct {
	ID        string `json:"id"`
	SourceURL string `json:"sourceUrl"`
	AltText   string `json:"altText,omitempty"`
	Status    string `json:"status,omitempty"`
}

// ProductState is the gallery in display order plus the current hero of every storefront variant.
// A hero value of "" means the variant has no hero image.
type ProductState struct {
	ProductID string            `json:"productId"`
	Media     []Media           `json:"media"`
	Heroes    map[string]string `json:"heroes"`
}

// IDs returns the gallery media ids in display order.
func (p ProductState) IDs() []string {
	out := make([]string, 0, len(p.Media))
	for _, m := range p.Media {
		out = append(out, m.ID)
	}
	return out
}

type CreateInput struct {
	SourceURL string
	AltText   string
}

// Move places MediaID at Position; moves apply in order.
type Move struct {
	MediaID  string `json:"id"`
	Position int    `json:"newPosition"`
}

type StagedFile struct {
	Filename string
	MimeType string
	Size     int64
	Body     io.Reader
}

// Stager uploads raw bytes to the provider and returns a URL the provider can fetch.
type Stager interface {
	StageUpload(ctx context.Context, file StagedFile) (string, error)
}

// Client is the media gallery of one shop. Calls are not idempotent at the provider and are rate limited.
type Client interface {
	Stager
	GetProductState(ctx context.Context, productID string) (ProductState, error)
	// LookupMedia returns the subset of ids that still exist in the shop's file library.
	LookupMedia(ctx context.Context, ids []string) (map[string]Media, error)
	// CreateMedia returns one result per input. When it fails part way, results for inputs that
	// were created carry their ids so callers can keep track of them.
	CreateMedia(ctx context.Context, productID string, inputs []CreateInput) ([]Media, error)
	AttachMedia(ctx context.Context, productID string, ids []string) error
	ReorderMedia(ctx context.Context, productID string, moves []Move) (string, error)
	PollJob(ctx context.Context, jobID string, timeout time.Duration) error
	// UnassignMedia detaches media from the product without deleting the files.
	UnassignMedia(ctx context.Context, productID string, ids []string) error
	// AssignVariantHero sets the hero of a storefront variant; an empty mediaID clears it.
	AssignVariantHero(ctx context.Context, productID, variantID, mediaID string) error
}

// Provider resolves the client for a shop.
type Provider interface {
	ClientFor(ctx context.Context, shop string) (Client, error)
}

// IsTransient reports whether retrying later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrJobTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

func transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// MovesFor computes the moves that bring target to the leading positions of current,
// skipping items that are already in place.
func MovesFor(current, target []string) []Move {
	order := append([]string(nil), current...)
	var moves []Move
	for pos, id := range target {
		if pos < len(order) && order[pos] == id {
			continue
		}
		order = applyMove(order, Move{MediaID: id, Position: pos})
		moves = append(moves, Move{MediaID: id, Position: pos})
	}
	return moves
}

func applyMove(order []string, mv Move) []string {
	out := make([]string, 0, len(order)+1)
	for _, id := range order {
		if id != mv.MediaID {
			out = append(out, id)
		}
	}
	pos := mv.Position
	if pos > len(out) {
		pos = len(out)
	}
	out = append(out, "")
	copy(out[pos+1:], out[pos:])
	out[pos] = mv.MediaID
	return out
}

// ApplyMoves replays moves against an ordering the way the provider does.
func ApplyMoves(order []string, moves []Move) []string {
	out := append([]string(nil), order...)
	for _, mv := range moves {
		out = applyMove(out, mv)
	}
	return out
}
