package main

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/go-go-golems/steward/pkg/credits"
	"github.com/go-go-golems/steward/pkg/credits/reservation"
)

// openLedger builds the credit ledger selected by the store flag. The
// in-memory ledger is seeded with a generous default so ad hoc runs work
// without a grant step.
func openLedger(workspace string) (credits.Ledger, func() error, error) {
	pricing := credits.DefaultPricing()
	switch viper.GetString("store") {
	case "memory":
		ledger := credits.NewInMemoryLedger(pricing)
		ledger.SetAllocation(workspace, credits.Allocation{
			Balance:        10000,
			MaxOutputUnits: 4096,
		})
		return ledger, func() error { return nil }, nil
	case "sqlite":
		ledger, err := credits.NewSQLiteLedger(viper.GetString("dsn"), pricing)
		if err != nil {
			return nil, nil, err
		}
		return ledger, ledger.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown store: %s", viper.GetString("store"))
	}
}

// openReservations picks the hold backend: redis when an address is
// configured, otherwise the same store the ledger uses.
func openReservations(workspace string) (*reservation.Manager, error) {
	if addr := viper.GetString("redis-addr"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		return reservation.NewManager(reservation.NewRedisBackend(client)), nil
	}
	if viper.GetString("store") == "sqlite" {
		backend, err := reservation.NewSQLiteBackend(viper.GetString("dsn"))
		if err != nil {
			return nil, err
		}
		return reservation.NewManager(backend), nil
	}
	backend := reservation.NewInMemoryBackend()
	backend.SetBalance(workspace, 10000)
	return reservation.NewManager(backend), nil
}
