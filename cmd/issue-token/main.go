// Command issue-token mints candidate and proctor tokens signed with the
// configured JWT secret, for local development against a stub assessment API.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

func main() {
	var (
		kind         string
		candidateID  string
		assessmentID string
		subject      string
		ttl          time.Duration
		promptSecret bool
	)
	flag.StringVar(&kind, "type", "candidate", "Token type: candidate or proctor")
	flag.StringVar(&candidateID, "candidate", "", "Candidate id (candidate tokens)")
	flag.StringVar(&assessmentID, "assessment", "", "Assessment id (candidate tokens)")
	flag.StringVar(&subject, "subject", "proctor", "Subject (proctor tokens)")
	flag.DurationVar(&ttl, "ttl", 4*time.Hour, "Token lifetime")
	flag.BoolVar(&promptSecret, "prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	cfg := config.Load()

	if promptSecret {
		fmt.Print("Enter JWT secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading secret: %v\n", err)
			os.Exit(1)
		}
		cfg.JWTSecret = strings.TrimSpace(string(secret))
	}
	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: JWT secret is empty")
		os.Exit(1)
	}

	authService := service.NewAuthService(cfg)

	var (
		token string
		err   error
	)
	switch service.TokenType(kind) {
	case service.TokenTypeCandidate:
		reader := bufio.NewReader(os.Stdin)
		if candidateID == "" {
			candidateID = prompt(reader, "Enter Candidate ID: ")
		}
		if assessmentID == "" {
			assessmentID = prompt(reader, "Enter Assessment ID: ")
		}
		if candidateID == "" || assessmentID == "" {
			fmt.Fprintln(os.Stderr, "Error: candidate and assessment are required")
			os.Exit(1)
		}
		token, err = authService.GenerateCandidateToken(candidateID, assessmentID, ttl)
	case service.TokenTypeProctor:
		token, err = authService.GenerateProctorToken(subject, ttl)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown token type %q\n", kind)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Fprint(os.Stderr, label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
