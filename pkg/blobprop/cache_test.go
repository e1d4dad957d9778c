package blobprop

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/psgcache/pkg/keycodec"
	"github.com/jacktea/psgcache/pkg/metrics"
	"github.com/jacktea/psgcache/pkg/satcache"
	"github.com/jacktea/psgcache/pkg/xerrors"
)

func rec(satKey int32, lastModified int64, size int64) BlobRecord {
	return BlobRecord{
		SatKey:       satKey,
		LastModified: lastModified,
		Size:         size,
		SizeUnpacked: size * 3,
		Flags:        FlagGzip,
		Owner:        42,
		Class:        7,
		Div:          "PRI",
		Username:     "loader",
	}
}

func buildStore(t *testing.T, sats map[int][]BlobRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob_prop.db")
	if err := Build(path, sats, BuildOptions{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	return path
}

func putRaw(t *testing.T, path string, sat int, key, value []byte) {
	t.Helper()
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("open writable: %v", err)
	}
	defer db.Close()
	if err := db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(satcache.BucketName(sat)).Put(key, value)
	}); err != nil {
		t.Fatalf("put raw: %v", err)
	}
}

type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (l *logSink) logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *logSink) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func openCache(t *testing.T, path string, sats []int) (*Cache, *logSink) {
	t.Helper()
	sink := &logSink{}
	c := NewCache(Config{Path: path, Logger: sink.logf, Metrics: metrics.New(nil)})
	if err := c.Open(sats); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, sink
}

func stamps(records []BlobRecord) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.LastModified)
	}
	return out
}

func equalStamps(got []BlobRecord, want ...int64) bool {
	s := stamps(got)
	if len(s) != len(want) {
		return false
	}
	for i := range s {
		if s[i] != want[i] {
			return false
		}
	}
	return true
}

func threeVersions() map[int][]BlobRecord {
	return map[int][]BlobRecord{
		4: {
			rec(6, 99, 1),
			rec(7, 20, 200),
			rec(7, 10, 100),
			rec(7, 30, 300),
			rec(8, 1, 1),
		},
	}
}

func TestFetchModes(t *testing.T) {
	c, _ := openCache(t, buildStore(t, threeVersions()), []int{4})
	id := BlobID{Sat: 4, SatKey: 7}

	testcases := []struct {
		name string
		req  FetchRequest
		want []int64
	}{
		{name: "all ascending", req: RequestAll(id), want: []int64{10, 20, 30}},
		{name: "latest", req: RequestLatest(id), want: []int64{30}},
		{name: "at or before between", req: RequestAtOrBefore(id, 25), want: []int64{20}},
		{name: "at or before exact stamp", req: RequestAtOrBefore(id, 20), want: []int64{20}},
		{name: "at or before after newest", req: RequestAtOrBefore(id, 1000), want: []int64{30}},
		{name: "at or before too early", req: RequestAtOrBefore(id, 5), want: nil},
		{name: "exact hit", req: RequestExact(id, 10), want: []int64{10}},
		{name: "exact miss", req: RequestExact(id, 11), want: nil},
		{name: "unknown sat key", req: RequestAll(BlobID{Sat: 4, SatKey: 9}), want: nil},
		{name: "latest unknown sat key", req: RequestLatest(BlobID{Sat: 4, SatKey: 5}), want: nil},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := c.Fetch(tc.req)
			if !equalStamps(got, tc.want...) {
				t.Fatalf("got stamps %v, want %v", stamps(got), tc.want)
			}
			for _, r := range got {
				if r.SatKey != tc.req.SatKey {
					t.Fatalf("record for sat_key %d leaked into fetch of %d", r.SatKey, tc.req.SatKey)
				}
			}
		})
	}
}

func TestFetchDecodesProperties(t *testing.T) {
	c, _ := openCache(t, buildStore(t, threeVersions()), []int{4})
	got := c.Fetch(RequestLatest(BlobID{Sat: 4, SatKey: 7}))
	if len(got) != 1 {
		t.Fatalf("expected one record, got %d", len(got))
	}
	if want := rec(7, 30, 300); got[0] != want {
		t.Fatalf("got %+v, want %+v", got[0], want)
	}
}

func TestFetchUnopenedSatellite(t *testing.T) {
	path := buildStore(t, map[int][]BlobRecord{4: {rec(7, 10, 1)}, 5: {rec(7, 10, 1)}})
	c, _ := openCache(t, path, []int{4})
	if got := c.Fetch(RequestAll(BlobID{Sat: 5, SatKey: 7})); len(got) != 0 {
		t.Fatalf("expected empty result for unopened satellite, got %v", got)
	}
	if got := c.Fetch(RequestAll(BlobID{Sat: 77, SatKey: 7})); len(got) != 0 {
		t.Fatalf("expected empty result for unknown satellite, got %v", got)
	}
}

func TestFetchSatelliteIsolation(t *testing.T) {
	a := rec(7, 10, 111)
	b := rec(7, 10, 222)
	path := buildStore(t, map[int][]BlobRecord{4: {a}, 25: {b}})
	c, _ := openCache(t, path, []int{4, 25})

	gotA := c.Fetch(RequestAll(BlobID{Sat: 4, SatKey: 7}))
	gotB := c.Fetch(RequestAll(BlobID{Sat: 25, SatKey: 7}))
	if len(gotA) != 1 || gotA[0].Size != 111 {
		t.Fatalf("satellite 4 returned %+v", gotA)
	}
	if len(gotB) != 1 || gotB[0].Size != 222 {
		t.Fatalf("satellite 25 returned %+v", gotB)
	}
}

func TestFetchSkipsCorruptRecord(t *testing.T) {
	path := buildStore(t, map[int][]BlobRecord{4: {rec(7, 10, 1), rec(7, 30, 3)}})
	putRaw(t, path, 4, keycodec.PackKey(7, 20), []byte{0xee, 0x01, 0x02})
	c, sink := openCache(t, path, []int{4})

	got := c.Fetch(RequestAll(BlobID{Sat: 4, SatKey: 7}))
	if !equalStamps(got, 10, 30) {
		t.Fatalf("got stamps %v, want [10 30]", stamps(got))
	}
	if sink.count("malformed value") != 1 {
		t.Fatalf("expected one logged skip, got %v", sink.lines)
	}

	// at-or-before lands on the corrupt version and falls back to the older one
	got = c.Fetch(RequestAtOrBefore(BlobID{Sat: 4, SatKey: 7}, 25))
	if !equalStamps(got, 10) {
		t.Fatalf("got stamps %v, want [10]", stamps(got))
	}
	if got := c.Fetch(RequestExact(BlobID{Sat: 4, SatKey: 7}, 20)); len(got) != 0 {
		t.Fatalf("exact fetch of corrupt record should be empty, got %v", got)
	}
}

func TestFetchSkipsCorruptLatest(t *testing.T) {
	path := buildStore(t, map[int][]BlobRecord{4: {rec(7, 10, 1), rec(7, 20, 2)}})
	putRaw(t, path, 4, keycodec.PackKey(7, 30), []byte{})
	c, _ := openCache(t, path, []int{4})
	got := c.Fetch(RequestLatest(BlobID{Sat: 4, SatKey: 7}))
	if !equalStamps(got, 20) {
		t.Fatalf("got stamps %v, want [20]", stamps(got))
	}
}

func TestFetchSkipsForeignKeyLength(t *testing.T) {
	path := buildStore(t, map[int][]BlobRecord{4: {rec(7, 10, 1), rec(7, 30, 3)}})
	foreign := append(keycodec.PackSatKey(7), 0x01, 0x02)
	putRaw(t, path, 4, foreign, EncodeValue(rec(7, 0, 9), false))
	c, sink := openCache(t, path, []int{4})

	got := c.Fetch(RequestAll(BlobID{Sat: 4, SatKey: 7}))
	if !equalStamps(got, 10, 30) {
		t.Fatalf("got stamps %v, want [10 30]", stamps(got))
	}
	if sink.count("bad length") != 1 {
		t.Fatalf("expected one key-length skip, got %v", sink.lines)
	}
}

func TestFetchNegativeSatKey(t *testing.T) {
	path := buildStore(t, map[int][]BlobRecord{4: {rec(-1, 5, 1), rec(0, 5, 2), rec(-2, 5, 3)}})
	c, _ := openCache(t, path, []int{4})
	for _, tc := range []struct {
		satKey int32
		size   int64
	}{{-2, 3}, {-1, 1}, {0, 2}} {
		got := c.Fetch(RequestLatest(BlobID{Sat: 4, SatKey: tc.satKey}))
		if len(got) != 1 || got[0].Size != tc.size {
			t.Fatalf("sat_key %d: got %+v", tc.satKey, got)
		}
	}
}

func TestFetchOnClosedCachePanics(t *testing.T) {
	path := buildStore(t, threeVersions())
	c := NewCache(Config{Path: path, Logger: func(string, ...any) {}})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	c.Fetch(RequestAll(BlobID{Sat: 4, SatKey: 7}))
}

func TestFetchUnknownModePanics(t *testing.T) {
	c, _ := openCache(t, buildStore(t, threeVersions()), []int{4})
	defer func() {
		r := recover()
		if r == nil || !strings.Contains(r.(string), "unknown fetch mode 7") {
			t.Fatalf("expected unknown mode panic, got %v", r)
		}
	}()
	c.Fetch(FetchRequest{Sat: 9, SatKey: 7, Mode: Mode(7)})
}

func TestLookupReportsNoErrorOnCleanScan(t *testing.T) {
	c, _ := openCache(t, buildStore(t, threeVersions()), []int{4})
	got, err := c.Lookup(RequestAll(BlobID{Sat: 4, SatKey: 7}))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !equalStamps(got, 10, 20, 30) {
		t.Fatalf("got stamps %v", stamps(got))
	}
	got, err = c.Lookup(RequestLatest(BlobID{Sat: 9, SatKey: 7}))
	if err != nil || got != nil {
		t.Fatalf("unopened satellite: %v %v", got, err)
	}
}

func TestOpenErrors(t *testing.T) {
	path := buildStore(t, threeVersions())
	c := NewCache(Config{Path: path, Logger: func(string, ...any) {}})
	if err := c.Open([]int{4, 5}); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found for missing satellite, got %v", err)
	}
	c = NewCache(Config{Path: filepath.Join(t.TempDir(), "nope.db"), Logger: func(string, ...any) {}})
	if err := c.Open([]int{4}); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found for missing file, got %v", err)
	}
}

func TestConcurrentFetch(t *testing.T) {
	var records []BlobRecord
	for k := int32(0); k < 50; k++ {
		for v := int64(1); v <= 4; v++ {
			records = append(records, rec(k, v*10, int64(k)))
		}
	}
	c, _ := openCache(t, buildStore(t, map[int][]BlobRecord{4: records}), []int{4})

	var wg sync.WaitGroup
	errs := make(chan string, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := int32((g + i) % 50)
				got := c.Fetch(RequestAtOrBefore(BlobID{Sat: 4, SatKey: k}, 35))
				if len(got) != 1 || got[0].LastModified != 30 || got[0].Size != int64(k) {
					errs <- "unexpected concurrent result"
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
}

func TestKeyCount(t *testing.T) {
	c, _ := openCache(t, buildStore(t, threeVersions()), []int{4})
	n, ok, err := c.KeyCount(4)
	if err != nil || !ok || n != 5 {
		t.Fatalf("KeyCount = %d %v %v", n, ok, err)
	}
	if _, ok, _ := c.KeyCount(9); ok {
		t.Fatalf("satellite 9 should not be open")
	}
}
