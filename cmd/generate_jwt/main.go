// main implements the token issuer utility. It signs broker client tokens
// with an RSA private key and can bootstrap a fresh keypair.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mcpbroker/mcpbroker/internal/auth"
)

// The signed token goes to stdout, so logs go to stderr.
var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

func main() {
	var (
		subject         string
		tagList         string
		lifetime        time.Duration
		keyPath         string
		generateKeypair bool
		publicOut       string
	)
	flag.StringVar(&subject, "sub", "", "subject claim of the token")
	flag.StringVar(
		&tagList,
		"tags",
		"",
		"comma-separated allowed_tags claim, e.g. public,calendars or *",
	)
	flag.DurationVar(
		&lifetime,
		"lifetime",
		auth.DefaultTokenLifetime,
		"token lifetime",
	)
	flag.StringVar(
		&keyPath,
		"key",
		"",
		"RSA private key path (or set "+auth.EnvPrivateKeyPath+")",
	)
	flag.BoolVar(&generateKeypair, "generate-keypair", false, "write a fresh keypair before signing")
	flag.StringVar(
		&publicOut,
		"public-out",
		"",
		"public key output path for --generate-keypair (default derived from --key)",
	)
	flag.Parse()

	// Opportunistic: a missing .env is not an error.
	_ = godotenv.Load()

	if keyPath == "" {
		keyPath = os.Getenv(auth.EnvPrivateKeyPath)
	}
	if keyPath == "" {
		logger.Error("no private key path: pass --key or set " + auth.EnvPrivateKeyPath)
		os.Exit(1)
	}

	if generateKeypair {
		if publicOut == "" {
			publicOut = strings.TrimSuffix(keyPath, ".pem") + "_public.pem"
		}
		if err := auth.GenerateKeyPair(keyPath, publicOut); err != nil {
			logger.Error("cannot generate keypair", "error", err)
			os.Exit(1)
		}
		logger.Info("keypair written", "private", keyPath, "public", publicOut)
		if subject == "" {
			return
		}
	}

	if subject == "" {
		logger.Error("no subject: pass --sub")
		os.Exit(1)
	}

	tags := splitTags(tagList)
	if len(tags) == 0 {
		logger.Warn("token has no allowed_tags, it grants access to nothing")
	}

	issuer, err := auth.NewTokenIssuer(keyPath)
	if err != nil {
		logger.Error("cannot load private key", "error", err)
		os.Exit(1)
	}

	token, err := issuer.Issue(subject, tags, lifetime)
	if err != nil {
		logger.Error("cannot sign token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func splitTags(list string) []string {
	var tags []string
	for _, tag := range strings.Split(list, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
