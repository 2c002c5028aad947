package source

import (
	"context"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

// ProposeFunc computes proposals for a FuncSource.
type ProposeFunc func(ctx context.Context, snap *ledger.Snapshot) ([]contracts.Proposal, error)

// EligibleFunc gates a FuncSource beyond dependency satisfaction.
type EligibleFunc func(snap *ledger.Snapshot) bool

// FuncSource adapts plain functions into a Source. Pack authors use it for
// sources that do not need their own type.
type FuncSource struct {
	SourceName string
	SourcePrio int
	SourceReq  bool
	Deps       []string
	EligibleFn EligibleFunc
	ProposeFn  ProposeFunc
}

func (f *FuncSource) Name() string           { return f.SourceName }
func (f *FuncSource) Priority() int          { return f.SourcePrio }
func (f *FuncSource) Required() bool         { return f.SourceReq }
func (f *FuncSource) Dependencies() []string { return f.Deps }

func (f *FuncSource) Eligible(snap *ledger.Snapshot) bool {
	if f.EligibleFn == nil {
		return true
	}
	return f.EligibleFn(snap)
}

func (f *FuncSource) Propose(ctx context.Context, snap *ledger.Snapshot) ([]contracts.Proposal, error) {
	if f.ProposeFn == nil {
		return nil, nil
	}
	return f.ProposeFn(ctx, snap)
}
