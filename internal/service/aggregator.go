package service

import (
	"context"
	"fmt"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/pdfcompare/api/internal/model"
)

// DefaultLabelMax is the excerpt length used when none is configured
const DefaultLabelMax = 60

// ArtifactFetcher downloads an artifact document by absolute location
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, location string) ([]byte, error)
}

// Aggregator folds the matched-objects and pairwise-diff artifacts into one change feed
type Aggregator struct {
	fetcher  ArtifactFetcher
	labelMax int
}

func NewAggregator(fetcher ArtifactFetcher, labelMax int) *Aggregator {
	if labelMax <= 0 {
		labelMax = DefaultLabelMax
	}
	return &Aggregator{
		fetcher:  fetcher,
		labelMax: labelMax,
	}
}

// Aggregate fetches both artifacts concurrently and builds the change list.
// Either fetch failing aborts the whole pass.
func (a *Aggregator) Aggregate(ctx context.Context, desc *model.ResultDescriptor) ([]model.ChangeRecord, error) {
	if desc == nil {
		return nil, fmt.Errorf("no result descriptor")
	}
	if desc.Outputs.MatchedJSON == "" || desc.Outputs.DiffJSON == "" {
		return nil, fmt.Errorf("result for job %s lacks matched or diff artifact", desc.JobID)
	}

	var (
		matched *model.MatchedObjectsDocument
		diff    *model.PairwiseDiffDocument
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := a.fetcher.FetchArtifact(gctx, desc.Outputs.MatchedJSON)
		if err != nil {
			return fmt.Errorf("failed to fetch matched objects: %w", err)
		}
		doc, err := model.ParseMatchedObjects(data)
		if err != nil {
			return err
		}
		matched = doc
		return nil
	})
	g.Go(func() error {
		data, err := a.fetcher.FetchArtifact(gctx, desc.Outputs.DiffJSON)
		if err != nil {
			return fmt.Errorf("failed to fetch pairwise diff: %w", err)
		}
		doc, err := model.ParsePairwiseDiff(data)
		if err != nil {
			return err
		}
		diff = doc
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changes := BuildChanges(matched, diff, a.labelMax)
	log.Debug().Str("job_id", desc.JobID).Int("changes", len(changes)).Msg("aggregated change feed")
	return changes, nil
}

type sideLabels struct {
	prefix    string
	kind      model.ChangeKind
	fallback  string
	uidPrefix string
}

// per-kind labelling of the added (side 2) and deleted (side 1) buckets
var matchedLabels = map[model.ObjectKind][2]sideLabels{
	model.KindParagraphs: {
		{prefix: "pa-new", kind: model.ChangeAdded, fallback: "New paragraph"},
		{prefix: "pa-del", kind: model.ChangeDeleted, fallback: "Deleted paragraph"},
	},
	model.KindImages: {
		{prefix: "im-new", kind: model.ChangeAdded, uidPrefix: "New image"},
		{prefix: "im-del", kind: model.ChangeDeleted, uidPrefix: "Deleted image"},
	},
	model.KindTables: {
		{prefix: "tb-new", kind: model.ChangeAdded, uidPrefix: "New table"},
		{prefix: "tb-del", kind: model.ChangeDeleted, uidPrefix: "Deleted table"},
	},
}

// BuildChanges produces the ordered change feed: every added/deleted record
// from matched (kind by kind, side 2 before side 1) followed by every
// modified record from diff. Nil documents contribute nothing.
func BuildChanges(matched *model.MatchedObjectsDocument, diff *model.PairwiseDiffDocument, labelMax int) []model.ChangeRecord {
	if labelMax <= 0 {
		labelMax = DefaultLabelMax
	}
	changes := make([]model.ChangeRecord, 0)

	if matched != nil {
		for _, kind := range model.ObjectKinds {
			bucket := matched.Kind(kind)
			labels := matchedLabels[kind]
			changes = appendObjects(changes, bucket.Added, labels[0], labelMax)
			changes = appendObjects(changes, bucket.Deleted, labels[1], labelMax)
		}
	}

	if diff != nil {
		for i, p := range diff.Paragraphs {
			changes = append(changes, model.ChangeRecord{
				ID:    fmt.Sprintf("p-%d", i),
				Label: Excerpt(p.TextA, labelMax) + " -> " + Excerpt(p.TextB, labelMax),
				Page:  p.Page,
				BBox:  p.BBox,
				Kind:  model.ChangeModified,
			})
		}
		for i, img := range diff.Images {
			changes = append(changes, model.ChangeRecord{
				ID:    fmt.Sprintf("i-%d", i),
				Label: "Image change " + img.UIDB,
				Page:  img.Page,
				BBox:  img.BBox,
				Kind:  model.ChangeModified,
			})
		}
		for i, tbl := range diff.Tables {
			changes = append(changes, model.ChangeRecord{
				ID:    fmt.Sprintf("t-%d", i),
				Label: "Table change " + tbl.UIDB,
				Page:  tbl.Page,
				BBox:  tbl.BBox,
				Kind:  model.ChangeModified,
			})
		}
	}

	return changes
}

func appendObjects(changes []model.ChangeRecord, objects []model.MatchedObject, l sideLabels, labelMax int) []model.ChangeRecord {
	for i, obj := range objects {
		var label string
		if l.uidPrefix != "" {
			label = l.uidPrefix + " " + obj.UID
		} else if obj.Text != "" {
			label = Excerpt(obj.Text, labelMax)
		} else {
			label = l.fallback
		}

		changes = append(changes, model.ChangeRecord{
			ID:    fmt.Sprintf("%s-%d", l.prefix, i),
			Label: label,
			Page:  obj.Page,
			BBox:  obj.BBox,
			Kind:  l.kind,
		})
	}
	return changes
}

// Excerpt returns at most limit runes of s.
func Excerpt(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
