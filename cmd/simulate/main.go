package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medhaus/clinic-scheduler/internal/config"
	"github.com/medhaus/clinic-scheduler/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	// HotSlotRatio is the fraction of booking attempts aimed at a small set
	// of contended intervals. High contention should show up as 409s, never
	// as duplicate bookings.
	HotSlotRatio float64
	PatientLimit int
	SlotLimit    int
	HotSlots     int
	PostgresDSN  string
}

// SimSlot identifies a bookable interval the way the booking API does:
// by provider and start time, not by slot row ID.
type SimSlot struct {
	ProviderID uuid.UUID
	Start      time.Time
}

type DataPool struct {
	Patients     []uuid.UUID
	Slots        []SimSlot
	Hot          []SimSlot
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	idx := rand.Intn(len(dp.appointments))
	return dp.appointments[idx], true
}

// Per-request outcome buckets. Conflicts are counted apart from errors
// because under contention they are the expected result, not a failure.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeError
)

type opStats struct {
	mu        sync.Mutex
	counts    [3]int64
	latencies []time.Duration
}

func (s *opStats) observe(latency time.Duration, o outcome) {
	s.mu.Lock()
	s.counts[o]++
	s.latencies = append(s.latencies, latency)
	s.mu.Unlock()
}

type opSummary struct {
	total, success, conflict, errors int64
	avg, min, max, p50, p95          time.Duration
}

func (s *opStats) summarize() opSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := opSummary{
		success:  s.counts[outcomeSuccess],
		conflict: s.counts[outcomeConflict],
		errors:   s.counts[outcomeError],
	}
	sum.total = sum.success + sum.conflict + sum.errors
	if len(s.latencies) == 0 {
		return sum
	}

	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	sum.avg = total / time.Duration(len(sorted))
	sum.min = sorted[0]
	sum.max = sorted[len(sorted)-1]
	sum.p50 = sorted[percentileIndex(len(sorted), 50)]
	sum.p95 = sorted[percentileIndex(len(sorted), 95)]
	return sum
}

func percentileIndex(n, pct int) int {
	idx := n * pct / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking       opStats
	HotBooking    opStats
	Cancel        opStats
	ReadByID      opStats
	ListByPatient opStats
	Availability  opStats
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f cancel=%.2f read=%.2f hot=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.CancelRatio, cfg.ReadRatio, cfg.HotSlotRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d open slots (%d contended)",
		len(dataPool.Patients), len(dataPool.Slots), len(dataPool.Hot))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   envStr("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     envDuration("SIM_DURATION", 30*time.Second),
		Workers:      envInt("SIM_WORKERS", 10),
		BookingRatio: envFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:  envFloat("SIM_CANCEL_RATIO", 0.15),
		ReadRatio:    envFloat("SIM_READ_RATIO", 0.35),
		HotSlotRatio: envFloat("SIM_HOT_SLOT_RATIO", 0.3),
		PatientLimit: envInt("SIM_PATIENT_LIMIT", 4000),
		SlotLimit:    envInt("SIM_SLOT_LIMIT", 2400),
		HotSlots:     envInt("SIM_HOT_SLOTS", 10),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	rows, err = pool.Query(ctx, `
		SELECT provider_id, start_at FROM time_slots
		WHERE available AND appointment_id IS NULL AND start_at > now()
		ORDER BY start_at
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s SimSlot
		if err := rows.Scan(&s.ProviderID, &s.Start); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded (run the slot worker first)")
	}

	hot := cfg.HotSlots
	if hot > len(dataPool.Slots) {
		hot = len(dataPool.Slots)
	}
	dataPool.Hot = dataPool.Slots[:hot]

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			if r < s.config.BookingRatio {
				s.doBooking(ctx, rng)
			} else if r < s.config.BookingRatio+s.config.CancelRatio {
				s.doCancel(ctx, rng)
			} else {
				switch rng.Intn(3) {
				case 0:
					s.doReadByID(ctx, rng)
				case 1:
					s.doListByPatient(ctx, rng)
				case 2:
					s.doAvailability(ctx, rng)
				}
			}
		}
	}
}

// post issues a JSON POST and classifies the response, reporting the created
// appointment ID when the API returns one.
func (s *Simulator) post(ctx context.Context, url string, payload any, createdStatus int) (outcome, uuid.UUID, time.Duration) {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return outcomeError, uuid.Nil, latency
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case createdStatus:
		var created struct {
			ID uuid.UUID `json:"id"`
		}
		if raw, _ := io.ReadAll(resp.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &created)
		}
		return outcomeSuccess, created.ID, latency
	case http.StatusConflict:
		return outcomeConflict, uuid.Nil, latency
	default:
		return outcomeError, uuid.Nil, latency
	}
}

// get issues a GET and treats anything but 200 as an error.
func (s *Simulator) get(ctx context.Context, url string) (outcome, time.Duration) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return outcomeError, latency
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return outcomeSuccess, latency
	}
	return outcomeError, latency
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Slots) == 0 || len(s.pool.Patients) == 0 {
		return
	}

	hot := rng.Float64() < s.config.HotSlotRatio && len(s.pool.Hot) > 0
	var slot SimSlot
	if hot {
		slot = s.pool.Hot[rng.Intn(len(s.pool.Hot))]
	} else {
		slot = s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	}
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	sessionType := "in_person"
	if rng.Intn(3) == 0 {
		sessionType = "telehealth"
	}

	o, createdID, latency := s.post(ctx, s.config.APIBaseURL+"/appointments", map[string]any{
		"provider_id":  slot.ProviderID.String(),
		"patient_id":   patientID.String(),
		"start":        slot.Start.Format(time.RFC3339),
		"session_type": sessionType,
	}, http.StatusCreated)

	if o == outcomeSuccess && createdID != uuid.Nil {
		s.pool.AddAppointment(createdID)
	}
	if hot {
		s.metrics.HotBooking.observe(latency, o)
	} else {
		s.metrics.Booking.observe(latency, o)
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment()
	if !ok {
		return
	}

	// 409 here means another worker already cancelled it; expected churn.
	o, _, latency := s.post(ctx,
		fmt.Sprintf("%s/appointments/%s/cancel", s.config.APIBaseURL, apptID),
		map[string]string{
			"cancelled_by": "patient",
			"reason":       "simulated cancellation",
		}, http.StatusOK)
	s.metrics.Cancel.observe(latency, o)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment()
	if !ok {
		return
	}
	o, latency := s.get(ctx, fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, apptID))
	s.metrics.ReadByID.observe(latency, o)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Patients) == 0 {
		return
	}
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	o, latency := s.get(ctx,
		fmt.Sprintf("%s/appointments?patient_id=%s&limit=20&offset=0", s.config.APIBaseURL, patientID))
	s.metrics.ListByPatient.observe(latency, o)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Slots) == 0 {
		return
	}
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	day := slot.Start.Format("2006-01-02")
	o, latency := s.get(ctx,
		fmt.Sprintf("%s/availability?provider_id=%s&start_date=%s&end_date=%s",
			s.config.APIBaseURL, slot.ProviderID, day, day))
	s.metrics.Availability.observe(latency, o)
}

func (s *Simulator) PrintReport() {
	fmt.Printf("\nsimulation report: duration=%s workers=%d\n\n", s.config.Duration, s.config.Workers)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "operation\ttotal\tok\tconflict\terror\tavg\tp50\tp95\tmax")
	writeOpRow(tw, "booking", &s.metrics.Booking)
	writeOpRow(tw, "booking (contended)", &s.metrics.HotBooking)
	writeOpRow(tw, "cancel", &s.metrics.Cancel)
	writeOpRow(tw, "read by id", &s.metrics.ReadByID)
	writeOpRow(tw, "list by patient", &s.metrics.ListByPatient)
	writeOpRow(tw, "availability", &s.metrics.Availability)
	tw.Flush()
}

func writeOpRow(tw *tabwriter.Writer, name string, stats *opStats) {
	sum := stats.summarize()
	if sum.total == 0 {
		return
	}
	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
		name, sum.total, sum.success, sum.conflict, sum.errors,
		sum.avg.Round(time.Millisecond), sum.p50.Round(time.Millisecond),
		sum.p95.Round(time.Millisecond), sum.max.Round(time.Millisecond))
}

// Env helpers with simulator-local defaults.

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
