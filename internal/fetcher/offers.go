package fetcher

import (
	"context"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OfferIndex is the top-level price list index.
type OfferIndex struct {
	FormatVersion   string           `json:"formatVersion"`
	PublicationDate string           `json:"publicationDate"`
	Offers          map[string]Offer `json:"offers"`
}

// Offer describes one service's published price lists.
type Offer struct {
	OfferCode             string `json:"offerCode"`
	VersionIndexURL       string `json:"versionIndexUrl"`
	CurrentVersionURL     string `json:"currentVersionUrl"`
	CurrentRegionIndexURL string `json:"currentRegionIndexUrl"`
}

// RegionIndex lists the per-region price list files of an offer.
type RegionIndex struct {
	Regions map[string]Region `json:"regions"`
}

// Region is one per-region price list file.
type Region struct {
	RegionCode        string `json:"regionCode"`
	CurrentVersionURL string `json:"currentVersionUrl"`
}

// OfferDownloader walks the offer index and saves every per-region price list
// as <dir>/<offerCode>-<regionCode>.json.
type OfferDownloader struct {
	Fetcher     Fetcher
	BaseURL     string
	IndexPath   string
	Dir         string
	Offers      []string // empty = all
	Regions     []string // empty = all
	Concurrency int
}

// Download fetches the selected offer files and returns the written paths in
// sorted order. A failed file is logged and skipped; the first failure is
// returned alongside the paths that did succeed.
func (d *OfferDownloader) Download(ctx context.Context) ([]string, error) {
	log := zap.L().With(zap.String("component", "download"))

	var index OfferIndex
	if err := d.Fetcher.GetJSON(ctx, d.url(d.IndexPath), &index); err != nil {
		return nil, eris.Wrap(err, "download: offer index")
	}

	codes := make([]string, 0, len(index.Offers))
	for code := range index.Offers {
		if len(d.Offers) == 0 || slices.Contains(d.Offers, code) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	log.Info("offer index loaded", zap.Int("offers", len(codes)), zap.String("published", index.PublicationDate))

	concurrency := d.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var (
		mu       sync.Mutex
		paths    []string
		firstErr error
		g        errgroup.Group
	)
	g.SetLimit(concurrency)

	record := func(path string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		paths = append(paths, path)
	}

	for _, code := range codes {
		offer := index.Offers[code]
		if offer.OfferCode == "" {
			offer.OfferCode = code
		}

		var regions RegionIndex
		if err := d.Fetcher.GetJSON(ctx, d.url(offer.CurrentRegionIndexURL), &regions); err != nil {
			log.Error("region index failed", zap.String("offer", code), zap.Error(err))
			record("", eris.Wrapf(err, "download: region index for %s", code))
			continue
		}

		for _, regionCode := range sortedRegions(regions, d.Regions) {
			region := regions.Regions[regionCode]
			if region.RegionCode == "" {
				region.RegionCode = regionCode
			}
			path := filepath.Join(d.Dir, offer.OfferCode+"-"+region.RegionCode+".json")
			src := d.url(region.CurrentVersionURL)

			g.Go(func() error {
				log.Info("downloading", zap.String("url", src), zap.String("path", path))
				n, err := d.Fetcher.DownloadToFile(ctx, src, path)
				if err != nil {
					log.Error("download failed", zap.String("url", src), zap.Error(err))
					record("", eris.Wrapf(err, "download: %s", src))
					return nil
				}
				log.Debug("downloaded", zap.String("path", path), zap.Int64("bytes", n))
				record(path, nil)
				return nil
			})
		}
	}

	_ = g.Wait()
	sort.Strings(paths)
	return paths, firstErr
}

func (d *OfferDownloader) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(d.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func sortedRegions(idx RegionIndex, only []string) []string {
	codes := make([]string, 0, len(idx.Regions))
	for code := range idx.Regions {
		if len(only) == 0 || slices.Contains(only, code) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}
