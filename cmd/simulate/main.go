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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nromehealth/appointment-escrow/internal/paystack"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	PayRatio     float64
	ConfirmRatio float64
	FinishRatio  float64
	ReadRatio    float64
	SecretKey    string
}

// simBooking tracks one appointment the simulator created so later workers
// can drive it through payment, confirmation, and settlement.
type simBooking struct {
	BookingRef string
	PaymentRef string
	PatientID  uuid.UUID
	Amount     int64
}

type DataPool struct {
	Patients      []uuid.UUID
	Practitioners []uuid.UUID

	mu       sync.RWMutex
	bookings []simBooking
}

func (dp *DataPool) AddBooking(b simBooking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

func (dp *DataPool) GetRandomBooking(rng *rand.Rand) (simBooking, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return simBooking{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
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
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking       OperationMetrics
	Webhook       OperationMetrics
	Confirm       OperationMetrics
	Settle        OperationMetrics
	ReadByRef     OperationMetrics
	ListByPatient OperationMetrics
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

	log.Printf("config: duration=%s workers=%d booking=%.2f pay=%.2f confirm=%.2f finish=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.PayRatio, cfg.ConfirmRatio, cfg.FinishRatio, cfg.ReadRatio)

	pool := &DataPool{
		Patients:      randomIDs(200),
		Practitioners: randomIDs(20),
	}

	sim := &Simulator{
		config: cfg,
		pool:   pool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func randomIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.3),
		PayRatio:     getFloat("SIM_PAY_RATIO", 0.25),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.15),
		FinishRatio:  getFloat("SIM_FINISH_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.2),
		SecretKey:    os.Getenv("PAYSTACK_SECRET_KEY"),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.PayRatio + cfg.ConfirmRatio + cfg.FinishRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.PayRatio /= total
		cfg.ConfirmRatio /= total
		cfg.FinishRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.SecretKey == "" {
		return fmt.Errorf("PAYSTACK_SECRET_KEY is required to sign simulated webhooks")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
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
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.PayRatio:
				s.doWebhookCharge(ctx, rng)
			case r < s.config.BookingRatio+s.config.PayRatio+s.config.ConfirmRatio:
				s.doConfirm(ctx, rng)
			case r < s.config.BookingRatio+s.config.PayRatio+s.config.ConfirmRatio+s.config.FinishRatio:
				s.doSettle(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doReadByRef(ctx, rng)
				} else {
					s.doListByPatient(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	practitionerID := s.pool.Practitioners[rng.Intn(len(s.pool.Practitioners))]
	scheduledAt := time.Now().Add(time.Duration(24+rng.Intn(24*13)) * time.Hour)

	start := time.Now()

	reqBody := map[string]any{
		"patient_id":      patientID.String(),
		"patient_name":    fmt.Sprintf("Sim Patient %d", rng.Intn(10000)),
		"practitioner_id": practitionerID.String(),
		"scheduled_at":    scheduledAt.Format(time.RFC3339),
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var created struct {
				BookingRef string    `json:"booking_ref"`
				PaymentRef string    `json:"payment_ref"`
				PatientID  uuid.UUID `json:"patient_id"`
				Amount     int64     `json:"amount"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(bodyBytes, &created) == nil && created.BookingRef != "" {
				s.pool.AddBooking(simBooking{
					BookingRef: created.BookingRef,
					PaymentRef: created.PaymentRef,
					PatientID:  created.PatientID,
					Amount:     created.Amount,
				})
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

// doWebhookCharge plays the payment provider: it posts a signed
// charge.success event for a booking this run created.
func (s *Simulator) doWebhookCharge(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomBooking(rng)
	if !ok {
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"event": "charge.success",
		"data": map[string]any{
			"reference": b.PaymentRef,
			"amount":    b.Amount * 100,
			"status":    "success",
		},
	})

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/webhooks/paystack", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(paystack.SignatureHeader, paystack.Sign(s.config.SecretKey, payload))

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.Webhook.Record(latency, success, false)
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomBooking(rng)
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/appointments/%s/confirm", s.config.APIBaseURL, b.BookingRef), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Confirm.Record(latency, success, conflict)
}

// doSettle finishes a booking one way or the other: usually completion,
// sometimes a patient cancellation so the refund path gets traffic too.
func (s *Simulator) doSettle(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomBooking(rng)
	if !ok {
		return
	}

	action := "complete"
	var body io.Reader
	if rng.Intn(4) == 0 {
		action = "cancel"
		cancelBody, _ := json.Marshal(map[string]string{
			"cancelled_by": "patient",
			"reason":       "simulated cancellation",
		})
		body = bytes.NewReader(cancelBody)
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/appointments/%s/%s", s.config.APIBaseURL, b.BookingRef, action), body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Settle.Record(latency, success, conflict)
}

func (s *Simulator) doReadByRef(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomBooking(rng)
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, b.BookingRef), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadByRef.Record(latency, success, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/appointments?patient_id=%s&limit=20&offset=0", s.config.APIBaseURL, patientID.String()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ListByPatient.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Webhook charge.success", &s.metrics.Webhook)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Complete/Cancel", &s.metrics.Settle)
	printOperationReport("Read by Ref", &s.metrics.ReadByRef)
	printOperationReport("List by Patient", &s.metrics.ListByPatient)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failures := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failures > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failures, float64(failures)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

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
