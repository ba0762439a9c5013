package pairwise

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	slogcontext "github.com/veqryn/slog-context"

	"tilestitch/internal/models"
	"tilestitch/pkg/transform"
	"tilestitch/pkg/workpool"
)

// errNotRun marks pairs that were never dispatched because the run was
// cancelled first.
var errNotRun = errors.New("pair not processed")

// ProgressFunc reports scheduler progress. It may be called from several
// goroutines, but never concurrently.
type ProgressFunc func(completed, total int, message string)

// PairStatus records the outcome of one candidate pair.
type PairStatus struct {
	A, B models.TileID

	// Err is nil when the pair produced an edge, otherwise one of the
	// package's sentinel errors (possibly wrapped) or a context error
	Err error
}

// Report is the output of a scheduler run.
type Report struct {
	// Results holds one edge per successful pair, in candidate pair order
	Results []models.PairwiseResult

	// Statuses holds the outcome of every candidate pair, in the same order
	Statuses []PairStatus
}

// Counts returns how many pairs ended with each outcome, keyed by the
// sentinel error name ("ok" for produced edges).
func (r *Report) Counts() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.Statuses {
		counts[StatusName(s.Err)]++
	}
	return counts
}

// StatusName maps a pair error to a short name for reporting.
func StatusName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoOverlap):
		return "noOverlap"
	case errors.Is(err, ErrInsufficientOverlap):
		return "insufficientOverlap"
	case errors.Is(err, ErrDegenerateCorrelation):
		return "degenerateCorrelation"
	case errors.Is(err, ErrMissingImageData):
		return "missingImageData"
	case errors.Is(err, errNotRun), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}

// Scheduler dispatches pairwise registrations over a worker pool.
type Scheduler struct {
	pool     *workpool.Pool
	params   Params
	progress ProgressFunc
}

// NewScheduler creates a scheduler that runs pairs on pool. The FFTs of
// every pair get their own pool of params.FFTWorkers goroutines.
func NewScheduler(pool *workpool.Pool, params Params) *Scheduler {
	return &Scheduler{pool: pool, params: params}
}

// SetProgressCallback sets a function that is called after every pair.
func (s *Scheduler) SetProgressCallback(fn ProgressFunc) {
	s.progress = fn
}

// unit is what gets registered: a single tile or the aggregate of a group.
type unit struct {
	id        models.TileID
	members   []models.TileID
	image     *models.Image
	transform transform.Affine
	err       error
}

// ComputePairwiseResults registers the given candidate pairs and returns
// the resulting edges. With nil pairs every unordered pair of units is
// tried.
//
// Tiles that belong to a group are registered as one unit: the member
// images are averaged, the representative's transform places the unit,
// and the edges list every member id as endpoint set. Candidate pairs may
// name any member of a group; pairs within one unit and repeated unit
// pairs are dropped.
//
// Pairs that yield no shift contribute no edge; their reason is kept in
// Report.Statuses. When ctx is cancelled no further pairs are started and
// the edges found so far are returned together with the context error.
func (s *Scheduler) ComputePairwiseResults(
	ctx context.Context,
	tiles []models.Tile,
	groups []models.TileGroup,
	pairs [][2]models.TileID,
) (*Report, error) {
	if err := s.params.Validate(); err != nil {
		return nil, err
	}
	logger := slogcontext.FromCtx(ctx)

	units, unitOf, err := buildUnits(tiles, groups)
	if err != nil {
		return nil, err
	}

	if pairs == nil {
		ids := make([]models.TileID, 0, len(units))
		for id := range units {
			ids = append(ids, id)
		}
		pairs = AllPairs(ids)
	}
	work := resolvePairs(pairs, unitOf)

	total := len(work)
	results := make([]*models.PairwiseResult, total)
	statuses := make([]PairStatus, total)
	for i, p := range work {
		statuses[i] = PairStatus{A: p[0], B: p[1], Err: errNotRun}
	}

	var mu sync.Mutex
	completed := 0

	runErr := s.pool.Run(ctx, total, func(ctx context.Context, i int) error {
		ua, ub := units[work[i][0]], units[work[i][1]]

		res, err := s.register(ctx, ua, ub)
		results[i] = res
		statuses[i].Err = err

		switch {
		case errors.Is(err, ErrMissingImageData):
			logger.Warn("skipping pair with missing image data", "a", ua.id, "b", ub.id, "error", err)
		case err != nil:
			logger.Debug("no link for pair", "a", ua.id, "b", ub.id, "reason", StatusName(err))
		}

		if s.progress != nil {
			mu.Lock()
			completed++
			s.progress(completed, total, fmt.Sprintf("%v <> %v", ua.id, ub.id))
			mu.Unlock()
		}
		return nil
	})

	report := &Report{Statuses: statuses}
	for _, r := range results {
		if r != nil {
			report.Results = append(report.Results, *r)
		}
	}
	if runErr != nil {
		for i := range report.Statuses {
			if report.Statuses[i].Err == errNotRun {
				report.Statuses[i].Err = fmt.Errorf("%w: %w", errNotRun, runErr)
			}
		}
		return report, runErr
	}

	logger.Info("pairwise registration finished", "pairs", total, "links", len(report.Results))
	return report, nil
}

// register runs one pair and converts the estimate into an edge.
func (s *Scheduler) register(ctx context.Context, a, b unit) (*models.PairwiseResult, error) {
	if a.err != nil {
		return nil, fmt.Errorf("%v: %w", a.id, a.err)
	}
	if b.err != nil {
		return nil, fmt.Errorf("%v: %w", b.id, b.err)
	}

	fftPool := workpool.New(max(1, s.params.FFTWorkers))
	est, err := EstimateShift(ctx, a.image, b.image, a.transform, b.transform, s.params, fftPool)
	if err != nil {
		return nil, err
	}
	return &models.PairwiseResult{
		A:           a.id,
		B:           b.id,
		GroupA:      slices.Clone(a.members),
		GroupB:      slices.Clone(b.members),
		Shift:       est.Shift,
		Correlation: est.Correlation,
		Overlap:     est.Overlap,
	}, nil
}

// buildUnits groups the tiles into registration units keyed by their
// representative id, and maps every tile id to its unit.
func buildUnits(tiles []models.Tile, groups []models.TileGroup) (map[models.TileID]unit, map[models.TileID]models.TileID, error) {
	byID := make(map[models.TileID]models.Tile, len(tiles))
	for _, t := range tiles {
		if _, dup := byID[t.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate tile id %v", t.ID)
		}
		byID[t.ID] = t
	}

	units := make(map[models.TileID]unit)
	unitOf := make(map[models.TileID]models.TileID)

	for _, g := range groups {
		members := models.SortedTileIDs(g.Members)
		if len(members) == 0 {
			continue
		}
		rep := members[0]
		if _, taken := unitOf[rep]; taken {
			return nil, nil, fmt.Errorf("tile %v belongs to more than one group", rep)
		}

		u := unit{id: rep, members: members}
		var images []*models.Image
		for _, id := range members {
			if _, taken := unitOf[id]; taken {
				return nil, nil, fmt.Errorf("tile %v belongs to more than one group", id)
			}
			unitOf[id] = rep

			t, ok := byID[id]
			if !ok || t.Image == nil || t.Image.Data == nil {
				u.err = ErrMissingImageData
				continue
			}
			images = append(images, t.Image.ZeroMin())
		}
		if t, ok := byID[rep]; ok {
			u.transform = t.Transform
		} else {
			u.err = fmt.Errorf("group representative %v: %w", rep, ErrMissingImageData)
		}
		if u.err == nil {
			agg, err := models.Mean(images...)
			if err != nil {
				u.err = fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
			}
			u.image = agg
		}
		units[rep] = u
	}

	for _, t := range tiles {
		if _, grouped := unitOf[t.ID]; grouped {
			continue
		}
		unitOf[t.ID] = t.ID
		u := unit{id: t.ID, members: []models.TileID{t.ID}, image: t.Image, transform: t.Transform}
		if t.Image == nil || t.Image.Data == nil {
			u.err = ErrMissingImageData
		}
		units[t.ID] = u
	}
	return units, unitOf, nil
}

// resolvePairs maps candidate tile pairs onto canonical unit pairs,
// dropping pairs inside one unit, unknown ids and repeats.
func resolvePairs(pairs [][2]models.TileID, unitOf map[models.TileID]models.TileID) [][2]models.TileID {
	seen := make(map[[2]models.TileID]bool, len(pairs))
	out := make([][2]models.TileID, 0, len(pairs))
	for _, p := range pairs {
		a, okA := unitOf[p[0]]
		b, okB := unitOf[p[1]]
		if !okA || !okB || a == b {
			continue
		}
		if b.Less(a) {
			a, b = b, a
		}
		key := [2]models.TileID{a, b}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	slices.SortFunc(out, comparePairs)
	return out
}
