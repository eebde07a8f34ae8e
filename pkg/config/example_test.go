package config_test

import (
	"fmt"
	"log"
	"time"

	"github.com/ajitpratap0/txpool/pkg/config"
	"github.com/ajitpratap0/txpool/pkg/errors"
)

// ExampleNewPoolConfig demonstrates the defaults of a new pool configuration.
func ExampleNewPoolConfig() {
	cfg := config.NewPoolConfig("orders-db")

	fmt.Printf("Max Size: %d\n", cfg.MaxSize)
	fmt.Printf("Blocking Timeout: %s\n", cfg.BlockingTimeout)
	fmt.Printf("Partitioning: %s\n", cfg.Partitioning)

	// Output:
	// Max Size: 10
	// Blocking Timeout: 30s
	// Partitioning: none
}

// ExamplePoolConfig_Validate shows how to validate a configuration
// before handing it to a pool.
func ExamplePoolConfig_Validate() {
	cfg := config.NewPoolConfig("orders-db")
	cfg.MaxSize = 50
	cfg.MinSize = 5
	cfg.IdleTimeout = 2 * time.Minute

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	fmt.Println("Configuration is valid!")

	cfg.MinSize = 60
	err := cfg.Validate()
	fmt.Println(errors.IsType(err, errors.ErrorTypeConfig), err)

	// Output:
	// Configuration is valid!
	// true config: min_size cannot exceed max_size
}
