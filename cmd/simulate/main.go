package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/api"
	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	Patients     int
	Doctors      []string
	SlotDays     int
	SlotTimes    []string
	JWTSecret    string
}

type slotRef struct {
	Doctor string
	Date   string
	Time   string
}

type booked struct {
	ID      uuid.UUID
	Patient string
}

type DataPool struct {
	Patients []string
	Slots    []slotRef

	mu           sync.RWMutex
	appointments []booked
	tokens       map[string]string
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	n := len(latencies)
	return sum / time.Duration(n), latencies[n*50/100], latencies[min(n*95/100, n-1)], latencies[n-1]
}

type Metrics struct {
	Booking OperationMetrics
	Cancel  OperationMetrics
	Read    OperationMetrics
	List    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *zap.Logger
	metrics Metrics
}

func main() {
	log, err := logger.New(getEnv("APP_ENV", "dev"), "simulate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	sim := &Simulator{
		config: cfg,
		pool:   newDataPool(cfg, time.Now()),
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
	log.Info("data pool ready", zap.Int("patients", len(sim.pool.Patients)), zap.Int("slots", len(sim.pool.Slots)))

	sim.Run()
	sim.PrintReport()

	violations, err := sim.VerifySlots(context.Background())
	if err != nil {
		log.Fatal("verification failed", zap.Error(err))
	}
	if len(violations) > 0 {
		for _, v := range violations {
			log.Error("slot invariant violated", zap.String("detail", v))
		}
		os.Exit(1)
	}
	log.Info("all slots within capacity with contiguous queue positions")
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.15),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.35),
		Patients:     getInt("SIM_PATIENTS", 50),
		Doctors:      splitList(getEnv("SIM_DOCTORS", "doctor-1,doctor-2,doctor-4")),
		SlotDays:     getInt("SIM_SLOT_DAYS", 2),
		SlotTimes:    splitList(getEnv("SIM_SLOT_TIMES", "10:00,10:30,11:00,11:30")),
		JWTSecret:    os.Getenv("JWT_SECRET"),
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
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Patients <= 0 || len(cfg.Doctors) == 0 || len(cfg.SlotTimes) == 0 || cfg.SlotDays <= 0 {
		return fmt.Errorf("SIM_PATIENTS, SIM_DOCTORS, SIM_SLOT_DAYS and SIM_SLOT_TIMES must be non-empty")
	}
	return nil
}

// newDataPool uses the refs the api-server generates for its memory store.
// Slots start tomorrow so none of them is in the past.
func newDataPool(cfg SimConfig, now time.Time) *DataPool {
	dp := &DataPool{tokens: make(map[string]string)}
	for i := 1; i <= cfg.Patients; i++ {
		dp.Patients = append(dp.Patients, fmt.Sprintf("patient-%d", i))
	}
	for day := 1; day <= cfg.SlotDays; day++ {
		date := appointment.SlotDateOf(now.AddDate(0, 0, day)).Underscore()
		for _, doc := range cfg.Doctors {
			for _, t := range cfg.SlotTimes {
				dp.Slots = append(dp.Slots, slotRef{Doctor: doc, Date: date, Time: t})
			}
		}
	}
	return dp
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			case rng.Intn(2) == 0:
				s.doRead(ctx, rng)
			default:
				s.doList(ctx, rng)
			}
		}
	}
}

// authorize sets the caller identity the way the api-server expects it.
func (s *Simulator) authorize(req *http.Request, patient string) error {
	if s.config.JWTSecret == "" {
		req.Header.Set("X-Patient-ID", patient)
		return nil
	}

	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	token, ok := s.pool.tokens[patient]
	if !ok {
		var err error
		token, err = api.IssueToken(s.config.JWTSecret, patient, api.RolePatient, time.Hour)
		if err != nil {
			return err
		}
		s.pool.tokens[patient] = token
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (s *Simulator) send(ctx context.Context, method, path, patient string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.authorize(req, patient); err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, "/appointments", patient, api.CreateBookingRequest{
		DoctorID: slot.Doctor,
		SlotDate: slot.Date,
		SlotTime: slot.Time,
	})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var created api.CreateBookingResponse
			if json.NewDecoder(resp.Body).Decode(&created) == nil && created.AppointmentID != uuid.Nil {
				s.pool.AddAppointment(booked{ID: created.AppointmentID, Patient: patient})
			}
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/cancel", b.Patient, nil)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}

	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodGet, "/appointments/"+b.ID.String(), b.Patient, nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.Read.Record(latency, success, false)
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	resp, err := s.send(ctx, http.MethodGet, "/appointments", patient, nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.List.Record(latency, success, false)
}

// VerifySlots reads every patient's bookings back and checks that no slot
// holds more than its capacity and that waiting positions run 1..n.
func (s *Simulator) VerifySlots(ctx context.Context) ([]string, error) {
	type slotState struct {
		held      int
		positions []int
		total     map[int]bool
	}
	slots := make(map[string]*slotState)

	for _, patient := range s.pool.Patients {
		resp, err := s.send(ctx, http.MethodGet, "/appointments", patient, nil)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", patient, err)
		}
		var list api.ListBookingsResponse
		err = json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode list for %s: %w", patient, err)
		}

		for _, b := range list.Appointments {
			if b.Cancelled {
				continue
			}
			key := b.DoctorID + "|" + b.SlotDate + "|" + b.SlotTime
			st, ok := slots[key]
			if !ok {
				st = &slotState{total: make(map[int]bool)}
				slots[key] = st
			}
			st.held++
			if b.QueuePosition != nil {
				st.positions = append(st.positions, b.Position)
				st.total[b.TotalInSlot] = true
			}
		}
	}

	var violations []string
	for key, st := range slots {
		if st.held > appointment.SlotCapacity {
			violations = append(violations, fmt.Sprintf("%s holds %d bookings", key, st.held))
		}
		sort.Ints(st.positions)
		for i, p := range st.positions {
			if p != i+1 {
				violations = append(violations, fmt.Sprintf("%s positions %v are not contiguous", key, st.positions))
				break
			}
		}
		if len(st.total) > 1 {
			violations = append(violations, fmt.Sprintf("%s reports inconsistent totals", key))
		}
	}
	sort.Strings(violations)
	return violations, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.Read)
	printOperationReport("List by patient", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
