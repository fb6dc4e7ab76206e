package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nromehealth/appointment-escrow/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	practitioners := make([]uuid.UUID, 20)
	for i := range practitioners {
		practitioners[i] = uuid.New()
	}

	if err := seedAppointments(context.Background(), pool, practitioners, 2000); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

// Status mix roughly matching a live book: most appointments are paid and
// confirmed, a tail is waiting on payment or confirmation, a few are
// cancelled, refunded, or no-shows.
var statusWeights = []struct {
	status        string
	paymentStatus string
	weight        int
}{
	{"CONFIRMED", "success", 35},
	{"COMPLETED", "success", 25},
	{"PENDING_CONFIRMATION", "success", 15},
	{"PENDING_PAYMENT", "pending", 10},
	{"CANCELLED", "success", 6},
	{"REFUNDED", "refunded", 5},
	{"NO_SHOW", "success", 3},
	{"PAYMENT_FAILED", "failed", 1},
}

func pickStatus() (string, string) {
	total := 0
	for _, w := range statusWeights {
		total += w.weight
	}
	n := gofakeit.Number(0, total-1)
	for _, w := range statusWeights {
		if n < w.weight {
			return w.status, w.paymentStatus
		}
		n -= w.weight
	}
	return "CONFIRMED", "success"
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, practitioners []uuid.UUID, count int) error {
	log.Printf("seeding %d appointments", count)

	const batchSize = 500
	const amount = int64(500)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			status, paymentStatus := pickStatus()
			practitioner := practitioners[gofakeit.Number(0, len(practitioners)-1)]

			// Past for terminal states, future for live ones.
			scheduledAt := time.Now().Add(time.Duration(gofakeit.Number(24, 24*14)) * time.Hour)
			if status == "COMPLETED" || status == "NO_SHOW" || status == "REFUNDED" {
				scheduledAt = time.Now().Add(-time.Duration(gofakeit.Number(24, 24*30)) * time.Hour)
			}

			bookingRef := fmt.Sprintf("BK%d%04d", time.Now().UnixMilli(), i)
			paymentRef := fmt.Sprintf("APT_%d_%04d", time.Now().UnixMilli(), i)

			platformFee := amount * 20 / 100

			deadline := scheduledAt.Add(-24 * time.Hour)
			if status == "PENDING_PAYMENT" || status == "PENDING_CONFIRMATION" {
				deadline = time.Now().Add(24 * time.Hour)
			}

			var confirmedAt *time.Time
			if status == "CONFIRMED" || status == "COMPLETED" || status == "NO_SHOW" {
				t := scheduledAt.Add(-48 * time.Hour)
				confirmedAt = &t
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (
					id, booking_ref, patient_id, patient_name, patient_email, patient_phone,
					practitioner_id, scheduled_at, amount, currency, status, payment_status,
					payment_ref, platform_fee, practitioner_amount, confirmation_deadline,
					no_show_checked, confirmed_at, created_at, updated_at
				) VALUES (
					$1, $2, $3, $4, $5, $6, $7, $8, $9, 'ZAR', $10, $11,
					$12, $13, $14, $15, $16, $17, now(), now()
				)
			`,
				id, bookingRef, uuid.New(), gofakeit.Name(), gofakeit.Email(), gofakeit.Phone(),
				practitioner, scheduledAt, amount, status, paymentStatus,
				paymentRef, platformFee, amount-platformFee, deadline,
				status == "NO_SHOW", confirmedAt,
			)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("appointments seeded: %d/%d", end, count)
	}

	return nil
}
