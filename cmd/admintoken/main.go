// Package main выпускает bearer-токен оператора для административных маршрутов шлюза.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mmeshcher/bogpay-gateway/internal/middleware"
)

type options struct {
	AdminSecret string `env:"ADMIN_SECRET"`
}

func main() {
	_ = godotenv.Load()

	var opts options
	if err := env.Parse(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "parse env: %v\n", err)
		os.Exit(1)
	}

	operator := flag.String("operator", "", "operator name recorded in logs")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if opts.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_SECRET is not set")
		os.Exit(1)
	}
	if *operator == "" || *ttl <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	fmt.Println(middleware.NewAdminAuth(opts.AdminSecret).IssueToken(*operator, *ttl))
}
