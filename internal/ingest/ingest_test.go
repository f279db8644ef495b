package ingest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lox/weatherwatch/internal/alerting"
	"github.com/lox/weatherwatch/internal/events"
	"github.com/lox/weatherwatch/internal/models"
	"github.com/lox/weatherwatch/internal/store"
)

const delhiBody = `{
	"coord": {"lon": 77.1025, "lat": 28.7041},
	"weather": [{"id": 800, "main": "Clear", "description": "clear sky", "icon": "01d"}],
	"main": {"temp": 42.3, "feels_like": 44.1, "temp_min": 41, "temp_max": 43, "pressure": 1002, "humidity": 10},
	"wind": {"speed": 3.6, "deg": 280},
	"dt": 1716190200,
	"name": "Delhi"
}`

var delhi = models.City{Name: "Delhi", Latitude: 28.7041, Longitude: 77.1025}

func ptr(v float64) *float64 { return &v }

func TestValidateReading(t *testing.T) {
	valid := models.Reading{Temperature: 25, FeelsLike: 26, Humidity: 60, Pressure: 1013, Condition: "Clouds", WindSpeed: ptr(4)}

	tests := []struct {
		name      string
		mutate    func(r *models.Reading)
		wantFlags []string
	}{
		{"valid reading - no flags", func(r *models.Reading) {}, nil},
		{"temp too hot", func(r *models.Reading) { r.Temperature = 61 }, []string{FlagTempOutOfRange}},
		{"temp too cold", func(r *models.Reading) { r.Temperature = -91 }, []string{FlagTempOutOfRange}},
		{"temp at hot boundary - valid", func(r *models.Reading) { r.Temperature = 60 }, nil},
		{"humidity over 100", func(r *models.Reading) { r.Humidity = 101 }, []string{FlagHumidityInvalid}},
		{"humidity at 0 - valid", func(r *models.Reading) { r.Humidity = 0 }, nil},
		{"pressure low", func(r *models.Reading) { r.Pressure = 849 }, []string{FlagPressureOutOfRange}},
		{"pressure at 1100 - valid", func(r *models.Reading) { r.Pressure = 1100 }, nil},
		{"wind negative", func(r *models.Reading) { r.WindSpeed = ptr(-1) }, []string{FlagWindSpeedUnlikely}},
		{"wind missing - valid", func(r *models.Reading) { r.WindSpeed = nil }, nil},
		{"feels like absurd", func(r *models.Reading) { r.FeelsLike = 95 }, []string{FlagFeelsLikeUnlikely}},
		{"no condition", func(r *models.Reading) { r.Condition = "" }, []string{FlagConditionMissing}},
		{"multiple", func(r *models.Reading) { r.Humidity = -5; r.Pressure = 0 }, []string{FlagHumidityInvalid, FlagPressureOutOfRange}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			got := ValidateReading(&r)
			if len(got) != len(tt.wantFlags) {
				t.Fatalf("ValidateReading() = %v, want %v", got, tt.wantFlags)
			}
			for i := range got {
				if got[i] != tt.wantFlags[i] {
					t.Errorf("ValidateReading() = %v, want %v", got, tt.wantFlags)
				}
			}
		})
	}
}

func TestTruncateBody(t *testing.T) {
	t.Run("short string unchanged", func(t *testing.T) {
		input := "hello world"
		if got := truncateBody([]byte(input)); got != input {
			t.Errorf("truncateBody() = %q, want %q", got, input)
		}
	})

	t.Run("exactly 512 chars unchanged", func(t *testing.T) {
		input := strings.Repeat("a", 512)
		if got := truncateBody([]byte(input)); got != input {
			t.Errorf("truncateBody() len = %d, want 512", len(got))
		}
	})

	t.Run("over 512 chars truncated", func(t *testing.T) {
		got := truncateBody([]byte(strings.Repeat("x", 600)))
		if !strings.HasSuffix(got, "...(truncated)") {
			t.Errorf("truncateBody() should end with truncation marker")
		}
		if len(got) != 512+len("...(truncated)") {
			t.Errorf("truncateBody() len = %d", len(got))
		}
	})
}

func TestParseCurrent(t *testing.T) {
	at := time.Date(2024, 5, 20, 9, 30, 0, 0, time.UTC)
	r, err := ParseCurrent([]byte(delhiBody), "Delhi", at)
	require.NoError(t, err)

	assert.Equal(t, "Delhi", r.City)
	assert.Equal(t, 42.3, r.Temperature)
	assert.Equal(t, 44.1, r.FeelsLike)
	assert.Equal(t, 1002, r.Pressure)
	assert.Equal(t, 10, r.Humidity)
	assert.Equal(t, "Clear", r.Condition)
	require.NotNil(t, r.WindSpeed)
	assert.Equal(t, 3.6, *r.WindSpeed)
	assert.Equal(t, at, r.CapturedAt)
	assert.Equal(t, delhiBody, r.RawJSON)
}

func TestParseCurrent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{`},
		{"no weather conditions", `{"weather": [], "main": {"temp": 20}}`},
		{"weather wrong type", `{"weather": "rain"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCurrent([]byte(tt.body), "Delhi", time.Now())
			assert.Error(t, err)
		})
	}
}

func TestParseCurrent_NoWind(t *testing.T) {
	r, err := ParseCurrent([]byte(`{"weather":[{"main":"Rain"}],"main":{"temp":20,"humidity":90,"pressure":1000}}`), "Mumbai", time.Now())
	require.NoError(t, err)
	assert.Nil(t, r.WindSpeed)
}

func newTestSource(t *testing.T) (*OpenWeather, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	o := NewOpenWeather("test-key")
	o.SetHTTPClient(&http.Client{Transport: mt})
	o.SetRate(0)
	o.SetTimeout(5 * time.Second)
	return o, mt
}

func TestFetchCurrent_Success(t *testing.T) {
	o, mt := newTestSource(t)
	mt.RegisterResponder("GET", DefaultEndpoint, func(req *http.Request) (*http.Response, error) {
		q := req.URL.Query()
		assert.Equal(t, "test-key", q.Get("appid"))
		assert.Equal(t, "metric", q.Get("units"))
		assert.Equal(t, "28.7041", q.Get("lat"))
		assert.Equal(t, "77.1025", q.Get("lon"))
		return httpmock.NewStringResponse(http.StatusOK, delhiBody), nil
	})

	r, res, err := o.FetchCurrent(context.Background(), delhi)
	require.NoError(t, err)
	assert.Equal(t, 42.3, r.Temperature)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, len(delhiBody), res.ResponseSize)
}

func TestFetchCurrent_RetriesServerErrors(t *testing.T) {
	o, mt := newTestSource(t)
	mt.RegisterResponder("GET", DefaultEndpoint, httpmock.ResponderFromMultipleResponses([]*http.Response{
		httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"),
		httpmock.NewStringResponse(http.StatusOK, delhiBody),
	}))

	r, res, err := o.FetchCurrent(context.Background(), delhi)
	require.NoError(t, err)
	assert.Equal(t, "Clear", r.Condition)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestFetchCurrent_ClientErrorIsPermanent(t *testing.T) {
	o, mt := newTestSource(t)
	mt.RegisterResponder("GET", DefaultEndpoint, httpmock.NewStringResponder(http.StatusUnauthorized, `{"cod":401,"message":"Invalid API key"}`))

	_, res, err := o.FetchCurrent(context.Background(), delhi)
	require.Error(t, err)

	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusUnauthorized, serr.Code)
	assert.Contains(t, serr.Body, "Invalid API key")
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestFetchCurrent_BoundedByTimeout(t *testing.T) {
	o, mt := newTestSource(t)
	o.SetTimeout(300 * time.Millisecond)
	mt.RegisterResponder("GET", DefaultEndpoint, httpmock.NewStringResponder(http.StatusBadGateway, "upstream"))

	start := time.Now()
	_, _, err := o.FetchCurrent(context.Background(), delhi)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestDayBounds(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	day := time.Date(2024, 5, 20, 23, 59, 0, 0, loc)
	date, start, end := DayBounds(day, loc)

	assert.Equal(t, "2024-05-20", date)
	assert.Equal(t, time.Date(2024, 5, 19, 18, 30, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 5, 20, 18, 30, 0, 0, time.UTC), end)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-02-29", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 29, d.Day())

	_, err = ParseDate("29/02/2024", time.UTC)
	assert.Error(t, err)
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type fakeArchiver struct {
	err      error
	failOn   string
	date     string
	dates    []string
	readings []models.Reading
}

func (f *fakeArchiver) Archive(_ context.Context, date string, readings []models.Reading) error {
	f.dates = append(f.dates, date)
	if f.failOn != "" && date != f.failOn {
		return nil
	}
	f.date, f.readings = date, readings
	return f.err
}

func TestRollupJob_CatchUp(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	loc := time.UTC

	// 2024-05-17 was missed entirely; 2024-05-18 is empty.
	missed := time.Date(2024, 5, 17, 9, 0, 0, 0, loc)
	yesterday := time.Date(2024, 5, 19, 12, 0, 0, 0, loc)
	for _, r := range []models.Reading{
		{City: "Delhi", Temperature: 28, Condition: "Haze", CapturedAt: missed},
		{City: "Delhi", Temperature: 30, Condition: "Clear", CapturedAt: yesterday},
		{City: "Delhi", Temperature: 34, Condition: "Clear", CapturedAt: yesterday},
		{City: "Delhi", Temperature: 40, Condition: "Clear", CapturedAt: yesterday.Add(24 * time.Hour)},
	} {
		_, err := s.InsertReading(ctx, r)
		require.NoError(t, err)
	}

	job := NewRollupJob(s, loc)
	job.now = func() time.Time { return time.Date(2024, 5, 20, 0, 5, 0, 0, loc) }
	arch := &fakeArchiver{}
	job.SetArchiver(arch)

	summaries, err := job.CatchUp(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "2024-05-17", summaries[0].Date)
	assert.Equal(t, "2024-05-19", summaries[1].Date)
	assert.Equal(t, 32.0, summaries[1].AvgTemp)
	assert.Equal(t, 2, summaries[1].RecordCount)

	assert.Equal(t, []string{"2024-05-17", "2024-05-19"}, arch.dates)
	assert.Len(t, arch.readings, 2)

	n, err := s.CountReadings(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "today's reading must survive")

	again, err := job.CatchUp(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRollupJob_CatchUpRetriesFailedDay(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	for _, at := range []time.Time{
		time.Date(2024, 5, 18, 10, 0, 0, 0, loc),
		time.Date(2024, 5, 19, 10, 0, 0, 0, loc),
	} {
		_, err := s.InsertReading(ctx, models.Reading{City: "Delhi", Temperature: 30, Condition: "Clear", CapturedAt: at})
		require.NoError(t, err)
	}

	job := NewRollupJob(s, loc)
	job.now = func() time.Time { return time.Date(2024, 5, 20, 1, 0, 0, 0, loc) }
	arch := &fakeArchiver{failOn: "2024-05-18", err: errors.New("ftp: 421 service not available")}
	job.SetArchiver(arch)

	summaries, err := job.CatchUp(ctx)
	require.Error(t, err)
	require.Len(t, summaries, 1, "later days still roll up")
	assert.Equal(t, "2024-05-19", summaries[0].Date)

	n, err := s.CountReadings(ctx, "Delhi")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failed day keeps its readings")

	arch.err = nil
	summaries, err = job.CatchUp(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "2024-05-18", summaries[0].Date)

	n, err = s.CountReadings(ctx, "Delhi")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRollupJob_ArchiveFailureKeepsReadings(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	day := time.Date(2024, 5, 19, 12, 0, 0, 0, time.UTC)
	_, err := s.InsertReading(ctx, models.Reading{City: "Delhi", Temperature: 30, Condition: "Clear", CapturedAt: day})
	require.NoError(t, err)

	job := NewRollupJob(s, time.UTC)
	job.SetArchiver(&fakeArchiver{err: errors.New("ftp: 550 permission denied")})

	_, err = job.RunForDate(ctx, day)
	require.Error(t, err)

	n, err := s.CountReadings(ctx, "Delhi")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := s.DailyReport(ctx, "Delhi", 7)
	require.NoError(t, err)
	assert.Empty(t, report)
}

func TestRollupJob_NoData(t *testing.T) {
	s := setupTestStore(t)
	job := NewRollupJob(s, time.UTC)
	arch := &fakeArchiver{}
	job.SetArchiver(arch)

	summaries, err := job.RunForDate(context.Background(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, summaries)
	assert.Empty(t, arch.date, "nothing to archive")
}

type fakeSource struct {
	readings map[string]models.Reading
	errs     map[string]error
}

func (f *fakeSource) FetchCurrent(_ context.Context, city models.City) (*models.Reading, *FetchResult, error) {
	if err := f.errs[city.Name]; err != nil {
		return nil, &FetchResult{HTTPStatus: http.StatusBadGateway, Attempts: 3}, err
	}
	r := f.readings[city.Name]
	return &r, &FetchResult{HTTPStatus: http.StatusOK, Attempts: 1}, nil
}

type fakeProcessor struct {
	mu       sync.Mutex
	readings []models.Reading
}

func (f *fakeProcessor) Process(_ context.Context, r models.Reading) (alerting.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
	return alerting.Summary{Evaluated: 1}, nil
}

func TestScheduler_Collect(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	now := time.Now().UTC()
	src := &fakeSource{
		readings: map[string]models.Reading{
			"Delhi":  {City: "Delhi", Temperature: 42, Humidity: 10, Pressure: 1002, Condition: "Clear", CapturedAt: now},
			"Mumbai": {City: "Mumbai", Temperature: 31, Humidity: 150, Pressure: 1008, Condition: "Rain", CapturedAt: now},
		},
		errs: map[string]error{"Chennai": errors.New("status 502: bad gateway")},
	}
	cities := []models.City{{Name: "Delhi"}, {Name: "Mumbai"}, {Name: "Chennai"}}

	hub := events.NewHub()
	sub, unsub := hub.Subscribe()
	defer unsub()

	proc := &fakeProcessor{}
	sched := NewScheduler(s, src, cities, time.UTC)
	sched.SetAlertProcessor(proc)
	sched.SetEventSink(hub)

	stats := sched.Collect(ctx)
	assert.Equal(t, CycleStats{Cities: 3, Stored: 2, Failed: 1}, stats)

	n, err := s.CountReadings(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mumbai, err := s.LatestReading(ctx, "mumbai")
	require.NoError(t, err)
	require.NotNil(t, mumbai)
	assert.Equal(t, []string{FlagHumidityInvalid}, mumbai.QualityFlags)

	require.Len(t, proc.readings, 2)
	for _, r := range proc.readings {
		assert.NotZero(t, r.ID, "alerts run on the stored reading")
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := <-sub
		assert.Equal(t, events.TypeWeatherUpdate, ev.Type)
		got[ev.Key] = true
	}
	assert.Equal(t, map[string]bool{"Delhi": true, "Mumbai": true}, got)

	failures, err := s.RecentIngestErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "Chennai", failures[0].City)
	assert.Equal(t, int64(http.StatusBadGateway), failures[0].HTTPStatus.Int64)
}

func TestScheduler_StoreFailureSkipsAlerts(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.DB().ExecContext(ctx, `
		CREATE TRIGGER reject_mumbai BEFORE INSERT ON readings
		WHEN NEW.city = 'Mumbai'
		BEGIN SELECT RAISE(ABORT, 'disk full'); END;
	`)
	require.NoError(t, err)

	now := time.Now().UTC()
	src := &fakeSource{readings: map[string]models.Reading{
		"Delhi":   {City: "Delhi", Temperature: 42, Humidity: 10, Pressure: 1002, Condition: "Clear", CapturedAt: now},
		"Mumbai":  {City: "Mumbai", Temperature: 31, Humidity: 80, Pressure: 1008, Condition: "Rain", CapturedAt: now},
		"Chennai": {City: "Chennai", Temperature: 35, Humidity: 70, Pressure: 1006, Condition: "Clouds", CapturedAt: now},
	}}
	cities := []models.City{{Name: "Delhi"}, {Name: "Mumbai"}, {Name: "Chennai"}}

	hub := events.NewHub()
	sub, unsub := hub.Subscribe()
	defer unsub()

	proc := &fakeProcessor{}
	sched := NewScheduler(s, src, cities, time.UTC)
	sched.SetAlertProcessor(proc)
	sched.SetEventSink(hub)

	stats := sched.Collect(ctx)
	assert.Equal(t, CycleStats{Cities: 3, Stored: 2, Failed: 1}, stats)

	seen := map[string]bool{}
	for _, r := range proc.readings {
		seen[r.City] = true
	}
	assert.Equal(t, map[string]bool{"Delhi": true, "Chennai": true}, seen)

	assert.Len(t, sub, 2, "no weatherUpdate for an unstored reading")
	for len(sub) > 0 {
		assert.NotEqual(t, "Mumbai", (<-sub).Key)
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := setupTestStore(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &fakeSource{readings: map[string]models.Reading{"Delhi": {City: "Delhi", Temperature: 20, Condition: "Clear", CapturedAt: time.Now()}}}
	sched := NewScheduler(s, src, []models.City{{Name: "Delhi"}}, time.UTC)
	sched.SetRollupJob(NewRollupJob(s, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := s.CountReadings(context.Background(), "Delhi")
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := setupTestStore(t)
	sched := NewScheduler(s, &fakeSource{}, nil, time.UTC)
	sched.SetSchedules("not a cron", "")

	err := sched.Run(context.Background())
	assert.ErrorContains(t, err, "collect schedule")
}
