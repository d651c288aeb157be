package servicemon

import (
	"errors"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func Test_RegisterFamily_Idempotent(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()

	// EXERCISE
	first, err1 := reg.RegisterFamily("x", "help", KindCounter, WithLabelNames("a"))
	second, err2 := reg.RegisterFamily("x", "other help", KindCounter, WithLabelNames("a"))

	// VERIFY
	assert.NilError(t, err1)
	assert.NilError(t, err2)
	assert.Assert(t, first == second)
	assert.Equal(t, second.Help(), "help")
}

func Test_RegisterFamily_KindConflict(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	_, err := reg.RegisterFamily("x", "help", KindCounter)
	assert.NilError(t, err)

	// EXERCISE
	fam, err := reg.RegisterFamily("x", "help", KindHistogram)

	// VERIFY
	assert.Assert(t, fam == nil)
	var conflict *ConflictError
	assert.Assert(t, errors.As(err, &conflict))
	assert.Equal(t, conflict.Existing, KindCounter)
	assert.Equal(t, conflict.Requested, KindHistogram)
}

func Test_RegisterFamily_SchemaConflict(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		first  []FamilyOption
		second []FamilyOption
	}{
		{
			name:   "labels",
			first:  []FamilyOption{WithLabelNames("a", "b")},
			second: []FamilyOption{WithLabelNames("b", "a")},
		},
		{
			name:   "buckets",
			first:  []FamilyOption{WithBuckets(1, 2)},
			second: []FamilyOption{WithBuckets(1, 2, 3)},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// SETUP
			reg := NewRegistry()
			_, err := reg.RegisterFamily("h", "help", KindHistogram, tc.first...)
			assert.NilError(t, err)

			// EXERCISE
			_, err = reg.RegisterFamily("h", "help", KindHistogram, tc.second...)

			// VERIFY
			var conflict *ConflictError
			assert.Assert(t, errors.As(err, &conflict))
			assert.Equal(t, conflict.Reason, tc.name)
		})
	}
}

func Test_RegisterFamily_Invalid(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		family string
		kind   Kind
		opts   []FamilyOption
	}{
		{name: "bad name", family: "1abc", kind: KindCounter},
		{name: "bad label", family: "x", kind: KindCounter, opts: []FamilyOption{WithLabelNames("a-b")}},
		{name: "duplicate label", family: "x", kind: KindCounter, opts: []FamilyOption{WithLabelNames("a", "a")}},
		{name: "reserved le", family: "x", kind: KindHistogram, opts: []FamilyOption{WithLabelNames("le")}},
		{name: "descending buckets", family: "x", kind: KindHistogram, opts: []FamilyOption{WithBuckets(1, 0.5)}},
		{name: "equal buckets", family: "x", kind: KindHistogram, opts: []FamilyOption{WithBuckets(1, 1)}},
		{name: "empty buckets", family: "x", kind: KindHistogram, opts: []FamilyOption{WithBuckets()}},
		{name: "unknown kind", family: "x", kind: Kind(7)},
		{name: "negative limit", family: "x", kind: KindCounter, opts: []FamilyOption{WithMaxSeries(-1)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewRegistry().RegisterFamily(tc.family, "help", tc.kind, tc.opts...)

			assert.Assert(t, errors.Is(err, ErrInvalidFamily), "got %v", err)
		})
	}
}

func Test_GetOrCreateSeries_ConcurrentCreatesOne(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	_, err := reg.RegisterFamily("c", "help", KindCounter, WithLabelNames("service", "method"))
	assert.NilError(t, err)

	const workers = 64
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		got   = make([]*Series, workers)
		errs  = make([]error, workers)
	)

	// EXERCISE
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i], errs[i] = reg.GetOrCreateSeries("c", Labels("service", "svc", "method", "GET"))
		}(i)
	}
	close(start)
	wg.Wait()

	// VERIFY
	fam, _ := reg.Family("c")
	assert.Equal(t, fam.SeriesCount(), 1)
	for i := range got {
		assert.NilError(t, errs[i])
		assert.Assert(t, got[i] == got[0])
	}
}

func Test_GetOrCreateSeries_Errors(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	fam, err := reg.RegisterFamily("c", "help", KindCounter, WithLabelNames("a", "b"))
	assert.NilError(t, err)

	// EXERCISE / VERIFY
	_, err = reg.GetOrCreateSeries("missing", nil)
	assert.Assert(t, errors.Is(err, ErrUnknownFamily))

	_, err = reg.GetOrCreateSeries("c", Labels("b", "1", "a", "2"))
	assert.Assert(t, errors.Is(err, ErrLabelMismatch))

	_, err = fam.WithLabelValues("only-one")
	assert.Assert(t, errors.Is(err, ErrLabelMismatch))

	assert.Equal(t, fam.SeriesCount(), 0)
}

func Test_GetOrCreateSeries_SameTupleBothPaths(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	fam, err := reg.RegisterFamily("c", "help", KindCounter, WithLabelNames("a", "b"))
	assert.NilError(t, err)

	// EXERCISE
	s1, err1 := fam.WithLabelValues("1", "2")
	s2, err2 := reg.GetOrCreateSeries("c", Labels("a", "1", "b", "2"))

	// VERIFY
	assert.NilError(t, err1)
	assert.NilError(t, err2)
	assert.Assert(t, s1 == s2)
	assert.DeepEqual(t, s1.Labels(), Labels("a", "1", "b", "2"))
}

func Test_GetOrCreateSeries_TupleIsCopied(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	_, err := reg.RegisterFamily("c", "help", KindCounter, WithLabelNames("a"))
	assert.NilError(t, err)
	tuple := Labels("a", "before")

	// EXERCISE
	s, err := reg.GetOrCreateSeries("c", tuple)
	assert.NilError(t, err)
	tuple[0].Value = "after"

	// VERIFY
	assert.Equal(t, s.Labels()[0].Value, "before")
}

func Test_GetOrCreateSeries_InvalidUTF8(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	fam, err := reg.RegisterFamily("c", "help", KindCounter, WithLabelNames("a", "b"))
	assert.NilError(t, err)

	// EXERCISE
	_, err1 := fam.WithLabelValues("p\xff", "q")
	_, err2 := fam.WithLabelValues("p", "\xffq")
	_, err3 := reg.GetOrCreateSeries("c", Labels("a", "ok", "b", "\xc3\x28"))

	// VERIFY
	assert.Assert(t, errors.Is(err1, ErrLabelMismatch))
	assert.Assert(t, errors.Is(err2, ErrLabelMismatch))
	assert.Assert(t, errors.Is(err3, ErrLabelMismatch))
	assert.Equal(t, fam.SeriesCount(), 0)
}

func Test_GetOrCreateSeries_DistinctTuplesDistinctSeries(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	fam, err := reg.RegisterFamily("c", "help", KindCounter, WithLabelNames("a", "b"))
	assert.NilError(t, err)

	// EXERCISE
	s1, err1 := fam.WithLabelValues("pä", "q")
	s2, err2 := fam.WithLabelValues("p", "äq")
	s3, err3 := fam.WithLabelValues("", "pq")
	s4, err4 := fam.WithLabelValues("pq", "")

	// VERIFY
	for _, err := range []error{err1, err2, err3, err4} {
		assert.NilError(t, err)
	}
	assert.Assert(t, s1 != s2)
	assert.Assert(t, s3 != s4)
	assert.Equal(t, fam.SeriesCount(), 4)
	assert.DeepEqual(t, s2.Labels(), Labels("a", "p", "b", "äq"))
}

func Test_MaxSeries(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	fam, err := reg.RegisterFamily("c", "help", KindCounter, WithLabelNames("a"), WithMaxSeries(2))
	assert.NilError(t, err)

	// EXERCISE
	_, err1 := fam.WithLabelValues("1")
	_, err2 := fam.WithLabelValues("2")
	_, err3 := fam.WithLabelValues("3")
	_, again := fam.WithLabelValues("1")

	// VERIFY
	assert.NilError(t, err1)
	assert.NilError(t, err2)
	assert.Assert(t, errors.Is(err3, ErrCardinalityLimit))
	assert.NilError(t, again)
	assert.Equal(t, fam.SeriesCount(), 2)
}

func Test_Snapshot_Sorted(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	b, _ := reg.RegisterFamily("b_total", "help", KindCounter, WithLabelNames("x", "y"))
	_, _ = reg.RegisterFamily("a_seconds", "help", KindHistogram)
	for _, vals := range [][]string{{"z", "1"}, {"a", "2"}, {"a", "1"}} {
		_, err := b.WithLabelValues(vals...)
		assert.NilError(t, err)
	}

	// EXERCISE
	snap := reg.Snapshot()

	// VERIFY
	assert.Assert(t, is.Len(snap.Families, 2))
	assert.Equal(t, snap.Families[0].Name, "a_seconds")
	assert.Assert(t, is.Len(snap.Families[0].Series, 0))
	assert.DeepEqual(t, snap.Families[0].Buckets, DefBuckets)

	var order [][]string
	for _, s := range snap.Families[1].Series {
		order = append(order, s.Labels.Values())
	}
	assert.DeepEqual(t, order, [][]string{{"a", "1"}, {"a", "2"}, {"z", "1"}})
}
