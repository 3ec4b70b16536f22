// ABOUTME: Loads .env files so LABRECORD_* settings (upload tokens in particular) can live
// ABOUTME: beside a deployment instead of in the shell profile.
package main

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// loadDotEnv loads one file. Variables already set in the environment win;
// a missing file is not an error.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		log.Printf("component=cli action=dotenv_failed path=%s err=%v", path, err)
		return
	}
	log.Printf("component=cli action=dotenv_loaded path=%s", path)
}

// dotEnvDisabled reports whether LABRECORD_DOTENV turns loading off.
func dotEnvDisabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LABRECORD_DOTENV"))) {
	case "0", "false", "off", "no":
		return true
	}
	return false
}

// loadDotEnvAuto looks for .env in this order, earlier files taking
// precedence:
//  1. .env in the current directory and its parents
//  2. .env next to the current executable
func loadDotEnvAuto() {
	if dotEnvDisabled() {
		return
	}
	for _, p := range dotEnvPaths() {
		loadDotEnv(p)
	}
}

func dotEnvPaths() []string {
	var paths []string
	seen := map[string]bool{}
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for {
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if exe, err := os.Executable(); err == nil {
		add(filepath.Join(filepath.Dir(exe), ".env"))
	}
	return paths
}
