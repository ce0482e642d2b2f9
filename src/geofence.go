package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Geofence parsing and containment checks.
 *
 * Description: The relational store keeps geofence areas as text:
 *
 *		  POLYGON ((lat lon, lat lon, ...))
 *		  CIRCLE (lat lon, radius_m)
 *
 *		Careful: that POLYGON shape is lat-first, which is NOT
 *		standard WKT, so no off-the-shelf WKT parser applies.
 *
 *		Polygon containment is planar ray casting over the
 *		vertex list, with a precomputed bounding rectangle for
 *		early rejection.  Circle containment is haversine
 *		distance against a spherical earth.  Definitions are
 *		immutable after parse.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
)

const earthRadiusM = 6371000.0

// Geofence is a named region bound to one or more devices.
type Geofence struct {
	Name string

	// Polygon representation: vertices as (x=lat, y=lon) points.
	vertices []r2.Point
	bounds   r2.Rect

	// Circle representation.
	isCircle  bool
	centerLat float64
	centerLon float64
	radiusM   float64
}

// ParseGeofence parses one area string from the store.
func ParseGeofence(name, area string) (*Geofence, error) {
	area = strings.TrimSpace(area)
	switch {
	case strings.HasPrefix(area, "POLYGON"):
		return parsePolygon(name, area)
	case strings.HasPrefix(area, "CIRCLE"):
		return parseCircle(name, area)
	default:
		return nil, fmt.Errorf("geofence %q: unrecognized area format", name)
	}
}

func parsePolygon(name, area string) (*Geofence, error) {
	open := strings.Index(area, "((")
	close_ := strings.LastIndex(area, "))")
	if open < 0 || close_ < 0 || close_ <= open {
		return nil, fmt.Errorf("geofence %q: malformed POLYGON", name)
	}

	var vertices []r2.Point
	for _, pair := range strings.Split(area[open+2:close_], ",") {
		fields := strings.Fields(pair)
		if len(fields) != 2 {
			return nil, fmt.Errorf("geofence %q: malformed vertex %q", name, pair)
		}
		lat, err1 := strconv.ParseFloat(fields[0], 64)
		lon, err2 := strconv.ParseFloat(fields[1], 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("geofence %q: non-numeric vertex %q", name, pair)
		}
		vertices = append(vertices, r2.Point{X: lat, Y: lon})
	}

	// A closing vertex equal to the first is tolerated and dropped.
	if n := len(vertices); n > 1 && vertices[0] == vertices[n-1] {
		vertices = vertices[:n-1]
	}
	if len(distinctPoints(vertices)) < 3 {
		return nil, fmt.Errorf("geofence %q: polygon needs at least 3 distinct vertices", name)
	}

	bounds := r2.EmptyRect()
	for _, v := range vertices {
		bounds = bounds.AddPoint(v)
	}

	return &Geofence{Name: name, vertices: vertices, bounds: bounds}, nil
}

func parseCircle(name, area string) (*Geofence, error) {
	open := strings.Index(area, "(")
	close_ := strings.LastIndex(area, ")")
	if open < 0 || close_ <= open {
		return nil, fmt.Errorf("geofence %q: malformed CIRCLE", name)
	}
	parts := strings.Split(area[open+1:close_], ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("geofence %q: malformed CIRCLE body", name)
	}
	center := strings.Fields(parts[0])
	if len(center) != 2 {
		return nil, fmt.Errorf("geofence %q: malformed CIRCLE center", name)
	}
	lat, err1 := strconv.ParseFloat(center[0], 64)
	lon, err2 := strconv.ParseFloat(center[1], 64)
	radius, err3 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, fmt.Errorf("geofence %q: non-numeric CIRCLE fields", name)
	}
	if radius <= 0 {
		return nil, fmt.Errorf("geofence %q: circle radius must be positive", name)
	}
	return &Geofence{
		Name:      name,
		isCircle:  true,
		centerLat: lat,
		centerLon: lon,
		radiusM:   radius,
	}, nil
}

// Contains reports whether the point lies inside the geofence.
// Boundary points count as inside for circles; for polygons the ray
// cast decides, which matches how the upstream platform evaluates
// them.
func (g *Geofence) Contains(lat, lon float64) bool {
	if g.isCircle {
		return haversineMeters(g.centerLat, g.centerLon, lat, lon) <= g.radiusM
	}

	p := r2.Point{X: lat, Y: lon}
	if !g.bounds.ContainsPoint(p) {
		return false
	}

	inside := false
	n := len(g.vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := g.vertices[i], g.vertices[j]
		if (vi.Y > p.Y) != (vj.Y > p.Y) &&
			p.X < (vj.X-vi.X)*(p.Y-vi.Y)/(vj.Y-vi.Y)+vi.X {
			inside = !inside
		}
	}
	return inside
}

// haversineMeters is the great-circle distance between two WGS84
// points on a spherical earth.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	phi1, phi2 := lat1*rad, lat2*rad
	dPhi := (lat2 - lat1) * rad
	dLambda := (lon2 - lon1) * rad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func distinctPoints(pts []r2.Point) []r2.Point {
	seen := make(map[r2.Point]bool, len(pts))
	var out []r2.Point
	for _, p := range pts {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
