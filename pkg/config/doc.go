// Package config loads typed configuration from environment variables.
//
// Structs describe their variables with github.com/caarlos0/env tags; dotenv
// files are read with github.com/joho/godotenv. Each component owns its config
// struct (pg.Config, redis.Config, subscription.StripeConfig, ...) and the
// application composes them.
package config
