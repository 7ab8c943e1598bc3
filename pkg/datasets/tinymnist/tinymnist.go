/*
 *	Copyright 2023 Rener Castro
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tinymnist is the MNIST database of handwritten digits restricted to a few target labels
// (by default 0 and 1), served as uniformly shaped batches for the diffusion model.
package tinymnist

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/tinyddpm/pkg/datasets"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

const (
	DownloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	// Width and Height of the images.
	Width  = 28
	Height = 28

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Mode selects the train or the test split.
type Mode string

const (
	Train Mode = "train"
	Test  Mode = "test"
)

var mnistFiles = map[Mode][2]string{
	Train: {trainImagesFilename, trainLabelsFilename},
	Test:  {testImagesFilename, testLabelsFilename},
}

// DefaultTargetLabels are the digits kept by default.
var DefaultTargetLabels = []Label{0, 1}

// Image is the raw MNIST image: 0 is the background and 255 the digit color.
type Image [Width * Height]byte

// Label is the digit label from 0 to 9.
type Label = int8

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

var _ datasets.Source = (*Dataset)(nil)

// Dataset implements datasets.Source over the MNIST examples whose label is one of the target labels.
//
// Labels are remapped to their position in the target labels, so with the default targets {0, 1}
// they are unchanged. The trailing partial batch is dropped.
type Dataset struct {
	name      string
	batchSize int
	shuffle   *rand.Rand

	images  []Image
	labels  []int32
	indices []int
	pos     int
}

// New creates a Dataset from already parsed images and labels, keeping only the examples
// whose label is in targetLabels.
//
// If shuffle is nil the examples are yielded in order. Otherwise, they are reshuffled at
// every Reset using shuffle, which may be shared with other users.
func New(name string, images []Image, labels []Label, targetLabels []Label, batchSize int,
	shuffle *rand.Rand) (*Dataset, error) {
	if len(images) != len(labels) {
		return nil, errors.Errorf("tinymnist: %d images but %d labels", len(images), len(labels))
	}
	if batchSize < 1 {
		return nil, errors.Errorf("tinymnist: invalid batch size %d", batchSize)
	}
	ds := &Dataset{
		name:      name,
		batchSize: batchSize,
		shuffle:   shuffle,
	}
	for ii, label := range labels {
		target := slices.Index(targetLabels, label)
		if target < 0 {
			continue
		}
		ds.images = append(ds.images, images[ii])
		ds.labels = append(ds.labels, int32(target))
	}
	ds.Reset()
	return ds, nil
}

// Load parses the MNIST files of the given mode from baseDir. See Download.
func Load(baseDir string, mode Mode, batchSize int, shuffle *rand.Rand) (*Dataset, error) {
	files, found := mnistFiles[mode]
	if !found {
		return nil, errors.Errorf("tinymnist: unknown mode %q", mode)
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	images, err := loadImageFile(filepath.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabelFile(filepath.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	ds, err := New(string(mode), images, labels, DefaultTargetLabels, batchSize, shuffle)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("tinymnist: %s has %d examples with labels %v, %d batches of %d",
		mode, ds.NumExamples(), DefaultTargetLabels, ds.NumBatches(), batchSize)
	return ds, nil
}

// Name implements datasets.Source.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples kept after filtering by label.
func (ds *Dataset) NumExamples() int { return len(ds.images) }

// NumBatches in one epoch.
func (ds *Dataset) NumBatches() int { return len(ds.images) / ds.batchSize }

// Reset implements datasets.Source. It reshuffles the examples if a random source was given.
func (ds *Dataset) Reset() {
	ds.pos = 0
	if ds.shuffle != nil {
		ds.indices = ds.shuffle.Perm(len(ds.images))
		return
	}
	if len(ds.indices) != len(ds.images) {
		ds.indices = make([]int, len(ds.images))
		for ii := range ds.indices {
			ds.indices[ii] = ii
		}
	}
}

// Yield implements datasets.Source. Images are shaped [batch_size, 28, 28, 1] with values
// scaled to [-1, 1], labels are shaped [batch_size].
func (ds *Dataset) Yield() (datasets.Batch, error) {
	if ds.pos+ds.batchSize > len(ds.indices) {
		return datasets.Batch{}, io.EOF
	}
	idx := ds.indices[ds.pos : ds.pos+ds.batchSize]
	ds.pos += ds.batchSize

	pixels := make([]float32, 0, ds.batchSize*Width*Height)
	for _, img := range Select(ds.images, idx) {
		for _, v := range img {
			pixels = append(pixels, float32(v)/127.5-1.0)
		}
	}
	return datasets.Batch{
		Images: tensors.FromFlatDataAndDimensions(pixels, ds.batchSize, Height, Width, 1),
		Labels: tensors.FromFlatDataAndDimensions(Select(ds.labels, idx), ds.batchSize),
	}, nil
}

// Select returns the items at the given indices, skipping indices out of range.
func Select[T any, I constraints.Integer](items []T, idx []I) []T {
	selItems := make([]T, 0, len(idx))
	nItems := len(items)
	for _, i := range idx {
		if i >= 0 && i < I(nItems) {
			selItems = append(selItems, items[i])
		}
	}
	return selItems
}

// Download the MNIST files to baseDir, skipping the ones already there.
//
// It stops as soon as ctx is cancelled, returning an error wrapping ctx.Err() and removing the
// file being downloaded.
func Download(ctx context.Context, baseDir string) error {
	return download(ctx, DownloadURL, baseDir)
}

func download(ctx context.Context, baseURL, baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0o777); err != nil {
		return errors.Wrapf(err, "failed to create MNIST directory %q", baseDir)
	}
	for _, files := range mnistFiles {
		for _, file := range files {
			filePath := filepath.Join(baseDir, file)
			if fsutil.MustFileExists(filePath) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, "downloading %q", file)
			}
			fileURL, err := url.JoinPath(baseURL, file)
			if err != nil {
				return errors.Wrapf(err, "invalid download URL for %q", file)
			}
			if err := downloadFile(ctx, fileURL, filePath); err != nil {
				return err
			}
		}
	}
	return nil
}

// downloadFile writes url to filePath, displaying a progress bar. A partially downloaded file
// is removed.
func downloadFile(ctx context.Context, url, filePath string) (err error) {
	fmt.Printf("Downloading %s ...\n", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "invalid request for %q", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", filePath)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(filePath)
		}
	}()
	bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(filePath))
	if _, err = io.Copy(io.MultiWriter(f, bar), resp.Body); err != nil {
		_ = f.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", filePath)
	}
	return nil
}

func openGzip(filename string) (io.ReadCloser, func(), error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filename)
	}
	reader, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to decompress %q", filename)
	}
	return reader, func() {
		_ = reader.Close()
		_ = f.Close()
	}, nil
}

// loadImageFile opens the image file, parses it, and returns the images in order.
func loadImageFile(filename string) ([]Image, error) {
	reader, done, err := openGzip(filename)
	if err != nil {
		return nil, err
	}
	defer done()
	images, err := parseImages(reader)
	return images, errors.WithMessagef(err, "parsing %q", filename)
}

func parseImages(reader io.Reader) ([]Image, error) {
	var header imageFileHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading images header")
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("invalid images format (magic=0x%x, %dx%d)", header.Magic, header.Height, header.Width)
	}
	images := make([]Image, header.NumImages)
	for ii := range images {
		if _, err := io.ReadFull(reader, images[ii][:]); err != nil {
			return nil, errors.Wrapf(err, "reading image #%d", ii)
		}
	}
	return images, nil
}

// loadLabelFile opens the labels file, parses it, and returns the labels in order.
func loadLabelFile(filename string) ([]Label, error) {
	reader, done, err := openGzip(filename)
	if err != nil {
		return nil, err
	}
	defer done()
	labels, err := parseLabels(reader)
	return labels, errors.WithMessagef(err, "parsing %q", filename)
}

func parseLabels(reader io.Reader) ([]Label, error) {
	var header labelFileHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading labels header")
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("invalid labels format (magic=0x%x)", header.Magic)
	}
	labels := make([]Label, header.NumLabels)
	if err := binary.Read(reader, binary.BigEndian, labels); err != nil {
		return nil, errors.Wrap(err, "reading labels")
	}
	return labels, nil
}
