package rag

import (
	"math"
	"sort"

	"github.com/knowledgepitt/server/internal/db"
)

type scored struct {
	chunk db.Chunk
	score float64
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func topK(items []scored, k int) []scored {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})
	if k > 0 && len(items) > k {
		items = items[:k]
	}
	return items
}

func rankByVector(chunks []db.Chunk, query []float32, k int) []scored {
	items := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		items = append(items, scored{chunk: c, score: cosine(query, c.Embedding)})
	}
	return topK(items, k)
}

// rankByKeywords scores each chunk by the share of query terms it contains.
func rankByKeywords(chunks []db.Chunk, query string, k int) []scored {
	terms := keywords(query)
	if len(terms) == 0 {
		return nil
	}

	var items []scored
	for _, c := range chunks {
		content := keywords(c.Content)
		hits := 0
		for t := range terms {
			if content[t] {
				hits++
			}
		}
		if hits > 0 {
			items = append(items, scored{chunk: c, score: float64(hits) / float64(len(terms))})
		}
	}
	return topK(items, k)
}

// withNeighbors adds the chunks directly before and after every hit in the
// same document, keeping hits first.
func withNeighbors(hits []scored, all []db.Chunk, k int) []scored {
	type key struct {
		doc string
		seq int
	}
	index := make(map[key]db.Chunk, len(all))
	for _, c := range all {
		index[key{c.DocumentID, c.Seq}] = c
	}

	seen := make(map[string]bool)
	out := make([]scored, 0, len(hits)*3)
	for _, h := range hits {
		seen[h.chunk.ID] = true
		out = append(out, h)
	}
	for _, h := range hits {
		for _, d := range []int{-1, 1} {
			n, ok := index[key{h.chunk.DocumentID, h.chunk.Seq + d}]
			if !ok || seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			out = append(out, scored{chunk: n, score: h.score / 2})
		}
	}
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// fuse merges ranked lists with reciprocal rank fusion.
func fuse(k int, lists ...[]scored) []scored {
	const rrfK = 60.0

	byID := make(map[string]*scored)
	var order []string
	for _, list := range lists {
		for rank, item := range list {
			s, ok := byID[item.chunk.ID]
			if !ok {
				s = &scored{chunk: item.chunk}
				byID[item.chunk.ID] = s
				order = append(order, item.chunk.ID)
			}
			s.score += 1 / (rrfK + float64(rank+1))
		}
	}

	items := make([]scored, 0, len(order))
	for _, id := range order {
		items = append(items, *byID[id])
	}
	return topK(items, k)
}
