package client

import "github.com/RoanBrand/gomqttc/internal/queue"

// pidGenerator yields pseudo random non-zero packet ids from a 16 bit Galois LFSR.
type pidGenerator struct {
	lfsr uint16
}

// next returns an id not held by any message in q.
func (g *pidGenerator) next(q *queue.Queue) uint16 {
	if g.lfsr == 0 {
		g.lfsr = 163
	}

	for {
		lsb := g.lfsr & 1
		g.lfsr >>= 1
		if lsb == 1 {
			g.lfsr ^= 0xB400
		}

		if !q.Contains(g.lfsr) {
			return g.lfsr
		}
	}
}
