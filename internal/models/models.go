// Package models defines the request, response and value-object shapes shared
// by the enrichment adapters, the composer and the HTTP handlers. The value
// objects double as cache payloads: the same JSON shape is what gets persisted.
package models

// DescribeRequest is the validated input for a tile description. Coordinates
// are [longitude, latitude] in WGS84. The thumbnail may be a data URI, raw
// base64 or an http(s) URL.
type DescribeRequest struct {
	Thumbnail   string    `json:"thumbnail"`
	Coordinates []float64 `json:"coordinates"`
	BBox        []float64 `json:"bbox,omitempty"`
	CapturedAt  string    `json:"captured_at,omitempty"`
	COGImageID  string    `json:"cog_image_id,omitempty"`
}

// Warning records a single module failure. The response as a whole still
// succeeds; callers inspect warnings to detect degradation.
type Warning struct {
	Module string `json:"module"`
	Error  string `json:"error"`
}

// DescribeResponse is the merged enrichment result. Every field is
// independently nullable; a nil field means that module failed or was
// skipped, not that the request failed.
type DescribeResponse struct {
	Description *string    `json:"description"`
	Location    *Location  `json:"location"`
	LandCover   *LandCover `json:"land_cover"`
	Context     *Context   `json:"context"`
	Warnings    []Warning  `json:"warnings"`
	Cached      bool       `json:"cached"`
}

// Location is the reverse-geocoding result.
type Location struct {
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region"`
	City        string  `json:"city,omitempty"`
	PlaceName   string  `json:"place_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// LandCoverClass is one aggregated land-cover category.
type LandCoverClass struct {
	Type       string `json:"type"`
	Label      string `json:"label"`
	Percentage int    `json:"percentage"`
}

// LandCover is the aggregated land-cover classification, categories ordered
// by descending frequency.
type LandCover struct {
	Classes []LandCoverClass `json:"classes"`
	Summary string           `json:"summary"`
}

// Event is one contextual item extracted from the search upstream.
type Event struct {
	Title     string `json:"title"`
	Date      string `json:"date"`
	SourceURL string `json:"source_url"`
	Relevance string `json:"relevance"`
}

// Context holds contextual events for the tile's place and capture month.
type Context struct {
	Events  []Event `json:"events"`
	Summary string  `json:"summary"`
}
