package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/pkg/logger"
)

const (
	initialStock  = 20
	totalRequests = 50
	callTimeout   = 10 * time.Second
)

func main() {
	log, err := logger.New("warn", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	grpcAddr := getEnv("STRESS_GRPC_ADDR", "localhost:50051")
	httpURL := getEnv("STRESS_HTTP_URL", "http://localhost:8080")
	variantID := "stress-" + uuid.NewString()[:8]

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Seed a fresh variant through the REST API
	if err := createVariant(ctx, httpURL, variantID, initialStock); err != nil {
		log.Fatal("failed to create variant", zap.String("url", httpURL), zap.Error(err))
	}

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal("failed to dial grpc", zap.String("addr", grpcAddr), zap.Error(err))
	}
	defer conn.Close()
	client := handler.NewReservationClient(conn)

	// Counters
	var successCount atomic.Int32
	var soldOutCount atomic.Int32
	var errorCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(session int) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()

			resp, err := client.Reserve(callCtx, &handler.ReserveRequest{
				VariantID:     variantID,
				CartSessionID: cartSession(variantID, session),
				Quantity:      1,
				RequestID:     "stress",
			})
			switch {
			case err != nil:
				errorCount.Add(1)
				log.Error("reserve failed", zap.Error(err))
			case resp.Success:
				successCount.Add(1)
			default:
				soldOutCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Variant:          %s\n", variantID)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if success == initialStock && soldOut == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d reservations succeeded, %d refused\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d reserved/%d refused, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, soldOut)
		failed = true
	}

	availability, err := client.GetAvailability(ctx, &handler.AvailabilityRequest{VariantID: variantID})
	if err != nil {
		log.Fatal("failed to read availability", zap.Error(err))
	}
	fmt.Printf("Final Availability: %d (reserved %d)\n", availability.AvailableQuantity, availability.ReservedQuantity)

	if availability.AvailableQuantity == 0 && availability.ReservedQuantity == initialStock {
		fmt.Println("PASS: Stock fully reserved")
	} else {
		fmt.Printf("FAIL: Expected available 0 and reserved %d\n", initialStock)
		failed = true
	}

	// Release every cart and check the stock comes back
	for i := 0; i < totalRequests; i++ {
		_, err := client.ReleaseSession(ctx, &handler.ReleaseSessionRequest{CartSessionID: cartSession(variantID, i)})
		if err != nil {
			log.Error("release session failed", zap.Error(err))
		}
	}
	availability, err = client.GetAvailability(ctx, &handler.AvailabilityRequest{VariantID: variantID})
	if err != nil {
		log.Fatal("failed to read availability", zap.Error(err))
	}
	if availability.AvailableQuantity == initialStock && availability.ReservedQuantity == 0 {
		fmt.Println("PASS: Stock restored after release")
	} else {
		fmt.Printf("FAIL: Expected available %d after release, got %d\n", initialStock, availability.AvailableQuantity)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}

func createVariant(ctx context.Context, baseURL, variantID string, total int) error {
	body, err := json.Marshal(handler.CreateVariantRequest{VariantID: variantID, TotalQuantity: total})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/variants", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func cartSession(variantID string, i int) string {
	return fmt.Sprintf("%s-cart-%d", variantID, i)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
