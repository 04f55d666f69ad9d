// Package engine implements the copy-engine registry of spec §4.2: a
// capability contract of one function per strategy, and a Registry that
// orders strategies by priority and implements the auto-selection policy.
// Grounded on the teacher's internal/platform/copy_linux.go fallthrough
// chain, generalized into the registry-of-records shape spec §9's
// "Engine polymorphism" design note asks for.
package engine

import (
	"os"

	"github.com/copyd/copyd/internal/job"
	"github.com/copyd/copyd/internal/platform"
)

// Applicability distinguishes a strategy declining a request from an I/O
// failure while attempting it.
type Applicability int

const (
	Applicable Applicability = iota
	NotApplicable
)

// Params is the chunk-level request every strategy receives.
type Params struct {
	SrcPath   string
	DstFd     *os.File
	SrcOffset int64
	SrcSize   int64
	Length    int64
}

// Result is what a strategy call returns.
type Result struct {
	BytesWritten int64
	EOF          bool
}

// Strategy is one copy primitive.
type Strategy interface {
	Name() job.EngineKind
	// Copy transfers up to params.Length bytes starting at
	// params.SrcOffset. A strategy that cannot service the request
	// returns (Result{}, platform.ErrNotApplicable).
	Copy(params Params) (Result, error)
}

func toPlatformParams(p Params) platform.Params {
	return platform.Params{
		SrcPath:   p.SrcPath,
		DstFd:     p.DstFd,
		SrcOffset: p.SrcOffset,
		SrcSize:   p.SrcSize,
		Length:    p.Length,
	}
}

func fromPlatformResult(r platform.Result) Result {
	return Result{BytesWritten: r.BytesWritten, EOF: r.EOF}
}

type reflinkStrategy struct{}

func (reflinkStrategy) Name() job.EngineKind { return job.Reflink }
func (reflinkStrategy) Copy(p Params) (Result, error) {
	r, err := platform.Reflink(toPlatformParams(p))
	return fromPlatformResult(r), err
}

type copyFileRangeStrategy struct{}

func (copyFileRangeStrategy) Name() job.EngineKind { return job.CopyFileRange }
func (copyFileRangeStrategy) Copy(p Params) (Result, error) {
	r, err := platform.CopyFileRange(toPlatformParams(p))
	return fromPlatformResult(r), err
}

type sendfileStrategy struct{}

func (sendfileStrategy) Name() job.EngineKind { return job.Sendfile }
func (sendfileStrategy) Copy(p Params) (Result, error) {
	r, err := platform.Sendfile(toPlatformParams(p))
	return fromPlatformResult(r), err
}

type readWriteStrategy struct{}

func (readWriteStrategy) Name() job.EngineKind { return job.ReadWrite }
func (readWriteStrategy) Copy(p Params) (Result, error) {
	r, err := platform.ReadWrite(toPlatformParams(p))
	return fromPlatformResult(r), err
}

// IOURingThreshold is the minimum file size (spec §4.2 default 1 MiB)
// above which auto-selection considers the io_uring strategy.
const IOURingThreshold = 1 << 20

// Registry orders strategies by priority and implements spec §4.2's
// selection policy for EngineKind Auto.
type Registry struct {
	byKind map[job.EngineKind]Strategy
	auto   []Strategy // priority order for auto-selection of regular files
}

// NewRegistry builds the default registry. ioURing may be nil if the
// kernel or iouring-go backend is unavailable; auto-selection then skips
// it per spec §4.2 ("else io_uring (if available...)").
func NewRegistry(ioURing Strategy) *Registry {
	reflink := reflinkStrategy{}
	cfr := copyFileRangeStrategy{}
	sendfile := sendfileStrategy{}
	rw := readWriteStrategy{}

	r := &Registry{byKind: map[job.EngineKind]Strategy{
		job.Reflink:       reflink,
		job.CopyFileRange: cfr,
		job.Sendfile:      sendfile,
		job.ReadWrite:     rw,
	}}

	r.auto = []Strategy{reflink, cfr}
	if ioURing != nil {
		r.byKind[job.IOURing] = ioURing
		r.auto = append(r.auto, ioURing)
	}
	r.auto = append(r.auto, sendfile, rw)

	return r
}

// Copy transfers one chunk for entry, honoring an explicit engine
// request or running the auto-selection fallthrough. An explicit request
// bypasses auto-selection: a hard failure (including NotApplicable) is
// reported directly, per spec §4.2.
func (r *Registry) Copy(requested job.EngineKind, params Params) (Result, job.EngineKind, error) {
	if requested != job.Auto {
		strat, ok := r.byKind[requested]
		if !ok {
			return Result{}, requested, job.NewError(job.KindEngineUnsupported, "copy", params.SrcPath,
				errUnsupportedEngine{requested})
		}
		res, err := strat.Copy(params)
		return res, requested, err
	}

	chain := r.auto
	if params.SrcSize < IOURingThreshold {
		chain = skipIOURing(chain)
	}

	var lastErr error
	for _, strat := range chain {
		res, err := strat.Copy(params)
		if err == nil {
			return res, strat.Name(), nil
		}
		if isNotApplicable(err) {
			lastErr = err
			continue
		}
		if platform.IsFallbackErr(err) {
			lastErr = err
			continue
		}
		return res, strat.Name(), err
	}
	return Result{}, job.Auto, job.NewError(job.KindInternal, "copy", params.SrcPath, lastErr)
}

func skipIOURing(chain []Strategy) []Strategy {
	out := make([]Strategy, 0, len(chain))
	for _, s := range chain {
		if s.Name() == job.IOURing {
			continue
		}
		out = append(out, s)
	}
	return out
}

func isNotApplicable(err error) bool {
	return err == platform.ErrNotApplicable
}

type errUnsupportedEngine struct{ kind job.EngineKind }

func (e errUnsupportedEngine) Error() string {
	return "engine " + e.kind.String() + " not supported on target"
}
