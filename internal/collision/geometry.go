package collision

import "math"

type point struct {
	X float64
	Y float64
}

// bodySamples approximates a body as points trailing the head opposite its
// heading. Index 0 is the head itself.
func bodySamples(b Body, cfg Config) []point {
	count := b.Length
	if count > cfg.MaxSamples {
		count = cfg.MaxSamples
	}
	if count < 1 {
		count = 1
	}
	cos := math.Cos(b.Angle)
	sin := math.Sin(b.Angle)
	pts := make([]point, count)
	for i := range pts {
		offset := float64(i) * cfg.SegmentSpacing
		pts[i] = point{X: b.X - cos*offset, Y: b.Y - sin*offset}
	}
	return pts
}

func cachedSamples(b Body, cfg Config, cache map[string][]point) []point {
	if pts, ok := cache[b.ID]; ok {
		return pts
	}
	pts := bodySamples(b, cfg)
	cache[b.ID] = pts
	return pts
}

// collide tests head-of-a against b's body, head-of-b against a's body and
// finally head to head. The first match wins.
func collide(a, b Body, cfg Config, cache map[string][]point) (HitKind, bool) {
	radiusSq := cfg.CollisionRadius * cfg.CollisionRadius
	headA := point{X: a.X, Y: a.Y}
	headB := point{X: b.X, Y: b.Y}
	if touchesBody(headA, cachedSamples(b, cfg, cache), radiusSq) {
		return HitHeadIntoBody, true
	}
	if touchesBody(headB, cachedSamples(a, cfg, cache), radiusSq) {
		return HitHeadIntoBody, true
	}
	if distSq(headA, headB) < radiusSq {
		return HitHeadToHead, true
	}
	return "", false
}

func touchesBody(head point, body []point, radiusSq float64) bool {
	for i := 1; i < len(body); i++ {
		if distSq(head, body[i]) < radiusSq {
			return true
		}
	}
	return false
}

func distSq(a, b point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}
