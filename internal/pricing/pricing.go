package pricing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

const Currency = "USD"

// DefaultDiscountCodes is the built-in promotional table.
var DefaultDiscountCodes = map[string]float64{
	"FIRST10":   0.10,
	"POOL20":    0.20,
	"AIRPORT15": 0.15,
}

// Config holds the tariff. Rates are fractions, not percentages.
type Config struct {
	BasePrice       float64
	PricePerKm      float64
	SharedDiscount  float64
	SurgeMultiplier float64
	MaxPrice        float64
	Location        *time.Location
	DiscountCodes   map[string]float64
}

func DefaultConfig() Config {
	return Config{
		BasePrice:       10,
		PricePerKm:      2,
		SharedDiscount:  0.3,
		SurgeMultiplier: 1.5,
		MaxPrice:        10000,
		Location:        time.Local,
		DiscountCodes:   DefaultDiscountCodes,
	}
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.SurgeMultiplier <= 0 {
		cfg.SurgeMultiplier = def.SurgeMultiplier
	}
	if cfg.MaxPrice <= 0 {
		cfg.MaxPrice = def.MaxPrice
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.DiscountCodes == nil {
		cfg.DiscountCodes = def.DiscountCodes
	}
	codes := make(map[string]float64, len(cfg.DiscountCodes))
	for k, v := range cfg.DiscountCodes {
		codes[strings.ToUpper(k)] = v
	}
	cfg.DiscountCodes = codes
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config { return e.cfg }

// SingleRidePrice prices one ride. Passenger count does not affect the fare.
func (e *Engine) SingleRidePrice(distanceKm float64, _ int, shared bool, surge float64) float64 {
	price := (e.cfg.BasePrice + distanceKm*e.cfg.PricePerKm) * surge
	if shared {
		price *= 1 - e.cfg.SharedDiscount
	}
	return Round(price)
}

// SurgeFactor is the multiplier for a pickup at t. Peak windows are the
// local hours 7-9 and 17-20, both ends inclusive.
func (e *Engine) SurgeFactor(t time.Time) float64 {
	h := t.In(e.cfg.Location).Hour()
	if (h >= 7 && h <= 9) || (h >= 17 && h <= 20) {
		return e.cfg.SurgeMultiplier
	}
	return 1.0
}

// EstimateForRide is the price stored on a new request: surge at the
// requested pickup time and the rider's sharing preference.
func (e *Engine) EstimateForRide(r *models.RideRequest) float64 {
	at := r.RequestedAt
	if r.ScheduledFor != nil {
		at = *r.ScheduledFor
	}
	dist := r.DistanceKm
	if dist <= 0 {
		dist = geo.DistanceKm(r.Pickup.Coordinate, r.Dropoff.Coordinate)
	}
	return e.SingleRidePrice(dist, r.Passengers, r.Preferences.AllowSharing, e.SurgeFactor(at))
}

// Estimate is the non-persisted quote. It is priced without surge.
func (e *Engine) Estimate(pickup, dropoff models.Coordinate, passengers int, allowSharing bool) (models.Quote, error) {
	if err := geo.Validate(pickup, dropoff); err != nil {
		return models.Quote{}, err
	}
	dist := geo.DistanceKm(pickup, dropoff)
	return models.Quote{
		DistanceKm: dist,
		Price:      e.SingleRidePrice(dist, passengers, allowSharing, 1.0),
		Currency:   Currency,
	}, nil
}

// PoolPricing splits the pool fare across members in pool.RideIDs order.
// Shares are floored at one base fare and the rounding remainder is
// charged to the first member, so shares always sum to TotalPrice.
func (e *Engine) PoolPricing(pool *models.PoolGroup, rides map[string]*models.RideRequest) (models.PoolPricing, error) {
	n := len(pool.RideIDs)
	if n == 0 {
		return models.PoolPricing{}, fmt.Errorf("pricing: pool %s has no members: %w", pool.ID, models.ErrInvalidPrice)
	}
	poolDist := pool.Route.TotalDistanceKm
	base := e.cfg.BasePrice * float64(n)
	total := base + poolDist*e.cfg.PricePerKm
	if err := e.ValidatePrice(total); err != nil {
		return models.PoolPricing{}, fmt.Errorf("pricing: pool %s: %w", pool.ID, err)
	}

	totalCents := Cents(total)
	shares := make([]models.RideShare, 0, n)
	shareCents := make([]int64, 0, n)
	var allocated int64
	for _, id := range pool.RideIDs {
		r, ok := rides[id]
		if !ok || r == nil {
			return models.PoolPricing{}, fmt.Errorf("pricing: pool %s member %s: %w", pool.ID, id, models.ErrNotFound)
		}
		ratio := 1 / float64(n)
		if poolDist > 0 {
			ratio = directDistance(r) / poolDist
		}
		raw := total * ratio
		discount := raw * e.cfg.SharedDiscount
		share := math.Max(raw-discount, e.cfg.BasePrice)

		c := Cents(share)
		shareCents = append(shareCents, c)
		allocated += c
		shares = append(shares, models.RideShare{RideID: id, Discount: Round(discount)})
	}
	shareCents[0] += totalCents - allocated

	for i := range shares {
		shares[i].Price = float64(shareCents[i]) / 100
		if shares[i].Price < 0 || shares[i].Price > e.cfg.MaxPrice {
			return models.PoolPricing{}, fmt.Errorf("pricing: pool %s ride %s share %.2f: %w", pool.ID, shares[i].RideID, shares[i].Price, models.ErrInvalidPrice)
		}
	}
	return models.PoolPricing{
		BasePrice:  Round(base),
		TotalPrice: float64(totalCents) / 100,
		PerRide:    shares,
	}, nil
}

// ValidatePrice rejects prices below one base fare or above the ceiling.
func (e *Engine) ValidatePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("price %v is not a number: %w", price, models.ErrInvalidPrice)
	}
	if price < e.cfg.BasePrice {
		return fmt.Errorf("price %.2f below base price %.2f: %w", price, e.cfg.BasePrice, models.ErrInvalidPrice)
	}
	if price > e.cfg.MaxPrice {
		return fmt.Errorf("price %.2f exceeds maximum %.2f: %w", price, e.cfg.MaxPrice, models.ErrInvalidPrice)
	}
	return nil
}

type DiscountResult struct {
	OriginalPrice  float64 `json:"original_price"`
	DiscountAmount float64 `json:"discount_amount"`
	FinalPrice     float64 `json:"final_price"`
	Code           string  `json:"discount_code"`
}

// ApplyDiscountCode applies a promotional code. Unknown codes are a no-op.
func (e *Engine) ApplyDiscountCode(price float64, code string) DiscountResult {
	rate := e.cfg.DiscountCodes[strings.ToUpper(strings.TrimSpace(code))]
	amount := price * rate
	return DiscountResult{
		OriginalPrice:  Round(price),
		DiscountAmount: Round(amount),
		FinalPrice:     Round(price - amount),
		Code:           code,
	}
}

type Savings struct {
	Amount     float64 `json:"amount"`
	Percentage float64 `json:"percentage"`
}

// CalculateSavings compares a solo fare with a pooled share.
func CalculateSavings(original, pooled float64) Savings {
	if original == 0 {
		return Savings{}
	}
	diff := original - pooled
	return Savings{Amount: Round(diff), Percentage: Round(diff / original * 100)}
}

// Round rounds half-up to the cent.
func Round(v float64) float64 {
	return float64(Cents(v)) / 100
}

// Cents converts v to whole cents, rounding half-up.
func Cents(v float64) int64 {
	// The epsilon absorbs binary error such as 1.005*100 = 100.49999.
	return int64(math.Floor(v*100 + 0.5 + 1e-9))
}

func directDistance(r *models.RideRequest) float64 {
	if r.DistanceKm > 0 {
		return r.DistanceKm
	}
	return geo.DistanceKm(r.Pickup.Coordinate, r.Dropoff.Coordinate)
}
