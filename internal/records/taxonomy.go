package records

import (
	"context"
	"fmt"
	"strings"
)

// DefaultCategory is used for classes outside the table.
const DefaultCategory = "object"

var categories = map[string]string{
	"person": "person",

	"dog": "animal", "cat": "animal", "bird": "animal", "horse": "animal", "sheep": "animal",
	"cow": "animal", "elephant": "animal", "bear": "animal", "zebra": "animal", "giraffe": "animal",

	"car": "vehicle", "motorcycle": "vehicle", "airplane": "vehicle", "bus": "vehicle",
	"train": "vehicle", "truck": "vehicle", "boat": "vehicle", "bicycle": "vehicle",

	"chair": "furniture", "couch": "furniture", "bed": "furniture", "dining table": "furniture",

	"bottle": "object", "cup": "object", "bowl": "object",

	"laptop": "tech", "cell phone": "tech", "cell_phone": "tech", "tv": "tech",
	"keyboard": "tech", "mouse": "tech",

	"potted plant": "plant",
}

// CategoryForClass maps a detector class label onto a record category.
func CategoryForClass(class string) string {
	if c, ok := categories[strings.ToLower(strings.TrimSpace(class))]; ok {
		return c
	}
	return DefaultCategory
}

// Enrichment is the description and category suggested for a label.
type Enrichment struct {
	Description string `json:"description"`
	Category    string `json:"category"`
}

// Enricher suggests a description and category for a class label.
type Enricher interface {
	Enrich(ctx context.Context, label string) (Enrichment, error)
}

// TableEnricher answers from the built-in category table.
type TableEnricher struct{}

// Enrich implements Enricher.
func (TableEnricher) Enrich(_ context.Context, label string) (Enrichment, error) {
	if strings.TrimSpace(label) == "" {
		return Enrichment{}, fmt.Errorf("empty label")
	}
	return Enrichment{
		Description: fmt.Sprintf("%s detectado automáticamente.", label),
		Category:    CategoryForClass(label),
	}, nil
}
