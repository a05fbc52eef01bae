// Package heatmap generates the synthetic incident data shown on the safe
// walk map. Nothing here is real crime data.
package heatmap

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Daskott/safeguard/server/store"
	"github.com/patrickmn/go-cache"
)

const (
	DefaultPointCount  = 200
	DefaultPointRadius = 10
	DefaultZoneCount   = 5
	DefaultZoneRadius  = 8

	// degrees per unit of radius
	spread = 0.01

	safeRatio = 0.7
)

// Point is a [lat, lng, intensity] triple.
type Point [3]float64

type Zone struct {
	Position store.Location `json:"position"`
	IsSafe   bool           `json:"isSafe"`
	// Radius in meters.
	Radius float64 `json:"radius"`
}

type Map struct {
	Center store.Location `json:"center"`
	Points []Point        `json:"points"`
	Zones  []Zone         `json:"zones"`
}

// Generator draws heat map data from its own random source.
type Generator struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rand: rand.New(rand.NewSource(seed))}
}

// GeneratePoints scatters count points within radius*0.01 degrees of center,
// each with an intensity in [0.5, 1).
func (g *Generator) GeneratePoints(center store.Location, count int, radius float64) []Point {
	g.mu.Lock()
	defer g.mu.Unlock()

	points := make([]Point, 0, count)
	for i := 0; i < count; i++ {
		pos := g.scatter(center, radius)
		points = append(points, Point{pos[0], pos[1], g.rand.Float64()*0.5 + 0.5})
	}
	return points
}

// GenerateZones scatters count circular zones around center. About 70% are
// safe; every zone has a radius in [50, 150) meters.
func (g *Generator) GenerateZones(center store.Location, count int, radius float64) []Zone {
	g.mu.Lock()
	defer g.mu.Unlock()

	zones := make([]Zone, 0, count)
	for i := 0; i < count; i++ {
		zones = append(zones, Zone{
			Position: g.scatter(center, radius),
			IsSafe:   g.rand.Float64() > 1-safeRatio,
			Radius:   g.rand.Float64()*100 + 50,
		})
	}
	return zones
}

func (g *Generator) Generate(center store.Location) Map {
	return Map{
		Center: center,
		Points: g.GeneratePoints(center, DefaultPointCount, DefaultPointRadius),
		Zones:  g.GenerateZones(center, DefaultZoneCount, DefaultZoneRadius),
	}
}

func (g *Generator) scatter(center store.Location, radius float64) store.Location {
	angle := g.rand.Float64() * math.Pi * 2
	distance := g.rand.Float64() * radius

	return store.Location{
		center[0] + distance*math.Cos(angle)*spread,
		center[1] + distance*math.Sin(angle)*spread,
	}
}

// Cache keeps generated maps for a while so a viewer panning around the
// same area sees stable data.
type Cache struct {
	generator *Generator
	maps      *cache.Cache
}

func NewCache(generator *Generator, ttl time.Duration) *Cache {
	return &Cache{generator: generator, maps: cache.New(ttl, 2*ttl)}
}

// Get returns the map for center, rounded to three decimals (~100m).
func (c *Cache) Get(center store.Location) Map {
	key := fmt.Sprintf("%.3f,%.3f", center[0], center[1])
	if cached, found := c.maps.Get(key); found {
		return cached.(Map)
	}

	generated := c.generator.Generate(center)
	c.maps.SetDefault(key, generated)
	return generated
}
