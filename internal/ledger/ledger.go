// Package ledger maintains the append-only hash chain that makes a
// case's evidence trail tamper-evident. Every analyzed artifact gets a
// ChainLink binding its content digest and decision digest to the
// previous link; mutating any stored record invalidates every link
// after it.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Genesis is the fixed prev_chain_hash of a case's first link.
var Genesis = strings.Repeat("0", 64)

// ErrChainIncomplete signals that a case has no recorded chain link.
// Dispatch must be refused when this is returned.
var ErrChainIncomplete = errors.New("ledger: chain link missing for case")

// Artifact is an immutable reference to analyzed content. The hash is
// computed before any analysis begins; re-analysis requires a new
// Artifact.
type Artifact struct {
	Ref         string `json:"ref,omitempty"`
	ContentHash string `json:"content_hash"`
	DerivedText string `json:"derived_text,omitempty"`
}

// NewArtifact hashes the raw bytes, or the derived text when no raw
// bytes are retained (pure text reports).
func NewArtifact(ref string, raw []byte, derivedText string) Artifact {
	var sum [32]byte
	if len(raw) > 0 {
		sum = sha256.Sum256(raw)
	} else {
		sum = sha256.Sum256([]byte(derivedText))
	}
	return Artifact{
		Ref:         ref,
		ContentHash: hex.EncodeToString(sum[:]),
		DerivedText: derivedText,
	}
}

// ChainLink is one entry in a case's evidence chain.
type ChainLink struct {
	CaseID        string    `json:"case_id"`
	SequenceNo    int       `json:"sequence_no"`
	ArtifactHash  string    `json:"artifact_hash"`
	DecisionHash  string    `json:"decision_hash"`
	PrevChainHash string    `json:"prev_chain_hash"`
	ChainHash     string    `json:"chain_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is the persistence interface for chain links.
type Store interface {
	Head(ctx context.Context, caseID string) (*ChainLink, bool, error)
	Append(ctx context.Context, link *ChainLink) error
	Links(ctx context.Context, caseID string) ([]ChainLink, error)
}

// VerifyResult is the outcome of recomputing a case's chain.
type VerifyResult struct {
	Valid                  bool `json:"valid"`
	Links                  int  `json:"links"`
	FirstInvalidSequenceNo *int `json:"first_invalid_sequence_no,omitempty"`
}

// Ledger records and verifies evidence chains. The head read and the
// link append are serialized per case so concurrent artifacts cannot
// compute conflicting links.
type Ledger struct {
	store  Store
	logger log.Logger
	now    func() time.Time

	mu        sync.Mutex
	caseLocks map[string]*sync.Mutex
}

// New creates a Ledger over the given store.
func New(store Store, logger log.Logger) *Ledger {
	if logger == nil {
		logger = log.Nop()
	}
	return &Ledger{
		store:     store,
		logger:    logger,
		now:       time.Now,
		caseLocks: make(map[string]*sync.Mutex),
	}
}

// Record computes and appends the next chain link for the case. The
// decision is hashed over its canonical JSON serialization.
func (l *Ledger) Record(ctx context.Context, caseID string, artifact Artifact, decision any) (*ChainLink, error) {
	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	decisionSum := sha256.Sum256(decisionJSON)

	lock := l.lockFor(caseID)
	lock.Lock()
	defer lock.Unlock()

	prev := Genesis
	seq := 0
	if head, ok, err := l.store.Head(ctx, caseID); err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	} else if ok {
		prev = head.ChainHash
		seq = head.SequenceNo + 1
	}

	link := &ChainLink{
		CaseID:        caseID,
		SequenceNo:    seq,
		ArtifactHash:  artifact.ContentHash,
		DecisionHash:  hex.EncodeToString(decisionSum[:]),
		PrevChainHash: prev,
		CreatedAt:     l.now().UTC(),
	}
	link.ChainHash = chainDigest(link.PrevChainHash, link.ArtifactHash, link.DecisionHash)

	if err := l.store.Append(ctx, link); err != nil {
		return nil, fmt.Errorf("append chain link: %w", err)
	}

	l.logger.Info(ctx, "chain link recorded",
		"case_id", caseID,
		"sequence_no", link.SequenceNo,
		"chain_hash", link.ChainHash,
	)
	return link, nil
}

// Head returns the most recent link for a case, failing with
// ErrChainIncomplete when the case has none. Dispatch gates on this.
func (l *Ledger) Head(ctx context.Context, caseID string) (*ChainLink, error) {
	head, ok, err := l.store.Head(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("case %s: %w", caseID, ErrChainIncomplete)
	}
	return head, nil
}

// Links returns the full chain for a case in sequence order.
func (l *Ledger) Links(ctx context.Context, caseID string) ([]ChainLink, error) {
	return l.store.Links(ctx, caseID)
}

// Verify recomputes every chain hash from sequence zero and compares
// against the stored values. Used by audits, never by the hot path.
func (l *Ledger) Verify(ctx context.Context, caseID string) (*VerifyResult, error) {
	links, err := l.store.Links(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("read chain links: %w", err)
	}

	res := &VerifyResult{Valid: true, Links: len(links)}
	prev := Genesis
	for i := range links {
		link := &links[i]
		if link.SequenceNo != i ||
			link.PrevChainHash != prev ||
			link.ChainHash != chainDigest(prev, link.ArtifactHash, link.DecisionHash) {
			seq := link.SequenceNo
			res.Valid = false
			res.FirstInvalidSequenceNo = &seq
			return res, nil
		}
		prev = link.ChainHash
	}
	return res, nil
}

func (l *Ledger) lockFor(caseID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.caseLocks[caseID]
	if !ok {
		lock = &sync.Mutex{}
		l.caseLocks[caseID] = lock
	}
	return lock
}

func chainDigest(prev, artifactHash, decisionHash string) string {
	sum := sha256.Sum256([]byte(prev + artifactHash + decisionHash))
	return hex.EncodeToString(sum[:])
}
