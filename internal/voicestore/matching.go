// Copyright 2025 James Ross
package voicestore

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Embedder produces a fixed-size voice embedding vector from a reference
// wav file. Spec §4.11 Non-goals exclude the embedding model itself (same
// pluggable-seam shape as internal/scheduler.StageRunner for the other ML
// stages), so this is an interface the caller supplies, not an
// implementation.
type Embedder interface {
	Embed(refWav string) ([]float64, error)
}

// CosineSimilarity returns the cosine similarity of two equal-length
// vectors, or 0 if either is zero-length/zero-norm.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MatchResult is the outcome of matching a reference clip against a
// series's existing characters.
type MatchResult struct {
	CharacterSlug string
	Similarity    float64
	Created       bool
}

var speakerSlugRe = regexp.MustCompile(`^speaker-(\d+)$`)

// MatchOrCreateCharacter embeds refWav, compares it against every existing
// character's canonical ref.wav for the series, and returns the
// highest-similarity match above threshold. If nothing clears the
// threshold (or the series has no characters yet), it creates a fresh
// character slug `speaker-NN` with N monotonic per series (spec §4.11).
func (s *Store) MatchOrCreateCharacter(seriesSlug string, refWav string, embedder Embedder, threshold float64) (MatchResult, error) {
	target, err := embedder.Embed(refWav)
	if err != nil {
		return MatchResult{}, err
	}

	chars, err := s.ListCharacters(seriesSlug)
	if err != nil {
		return MatchResult{}, err
	}

	bestSlug := ""
	bestSim := -1.0
	maxN := 0
	for _, c := range chars {
		if m := speakerSlugRe.FindStringSubmatch(c.CharacterSlug); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxN {
				maxN = n
			}
		}
		candEmb, err := embedder.Embed(c.RefPath)
		if err != nil {
			continue
		}
		sim := CosineSimilarity(target, candEmb)
		if sim > bestSim {
			bestSim = sim
			bestSlug = c.CharacterSlug
		}
	}

	if bestSlug != "" && bestSim >= threshold {
		return MatchResult{CharacterSlug: bestSlug, Similarity: bestSim, Created: false}, nil
	}

	newSlug := fmt.Sprintf("speaker-%02d", maxN+1)
	return MatchResult{CharacterSlug: newSlug, Similarity: 0, Created: true}, nil
}
