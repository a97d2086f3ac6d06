package service

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// fakeScorer returns fixed scores, or derives them from the mean of the
// tensor so different images can map to different classes.
type fakeScorer struct {
	shape  []int64
	scores []float32
	err    error
	calls  int
}

func (f *fakeScorer) InputShape() []int64 { return f.shape }

func (f *fakeScorer) Score(t *Tensor) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.scores != nil {
		return f.scores, nil
	}
	var sum float32
	for _, v := range t.Data {
		sum += v
	}
	mean := sum / float32(len(t.Data))
	return []float32{1 - mean, mean}, nil
}

func newTestBundle(t *testing.T, s Scorer) *ModelBundle {
	t.Helper()
	b, err := NewModelBundle("test", s, LabelMap{0: "dress", 1: "shoe"}, DefaultImageSize)
	if err != nil {
		t.Fatalf("NewModelBundle: %v", err)
	}
	return b
}

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create: %v", err)
		}
		if _, err := w.Write(files[name]); err != nil {
			t.Fatalf("zip Write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeShapeAndRange(t *testing.T) {
	tcs := []struct {
		name string
		data []byte
	}{
		{"png small", encodePNG(t, solidImage(7, 3, color.RGBA{255, 0, 0, 255}))},
		{"png large", encodePNG(t, solidImage(300, 200, color.RGBA{10, 200, 30, 255}))},
		{"png exact", encodePNG(t, solidImage(128, 128, color.White))},
		{"png gray", encodePNG(t, image.NewGray(image.Rect(0, 0, 50, 60)))},
		{"jpeg", encodeJPEG(t, solidImage(640, 480, color.RGBA{0, 0, 255, 255}))},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			tensor, err := Normalize(tc.data, DefaultImageSize)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			want := []int64{1, 128, 128, 3}
			if len(tensor.Shape) != 4 {
				t.Fatalf("shape = %v, want %v", tensor.Shape, want)
			}
			for i := range want {
				if tensor.Shape[i] != want[i] {
					t.Fatalf("shape = %v, want %v", tensor.Shape, want)
				}
			}
			if len(tensor.Data) != 128*128*3 {
				t.Fatalf("len(data) = %d", len(tensor.Data))
			}
			for i, v := range tensor.Data {
				if v < 0 || v > 1 {
					t.Fatalf("data[%d] = %v out of [0,1]", i, v)
				}
			}
		})
	}
}

func TestNormalizeChannelOrder(t *testing.T) {
	tensor, err := Normalize(encodePNG(t, solidImage(16, 16, color.RGBA{255, 0, 51, 255})), DefaultImageSize)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	r, g, b := tensor.Data[0], tensor.Data[1], tensor.Data[2]
	if r != 1 || g != 0 || b != 0.2 {
		t.Fatalf("first pixel = (%v, %v, %v), want (1, 0, 0.2)", r, g, b)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	data := encodeJPEG(t, solidImage(90, 40, color.RGBA{120, 60, 30, 255}))
	a, err := Normalize(data, DefaultImageSize)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b, err := Normalize(data, DefaultImageSize)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("data[%d] differs: %v vs %v", i, a.Data[i], b.Data[i])
		}
	}
}

func TestNormalizeDecodeError(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("definitely not an image"), {0x89, 'P', 'N', 'G'}} {
		_, err := Normalize(data, DefaultImageSize)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("Normalize(%q) error = %v, want *DecodeError", data, err)
		}
	}
}

func TestNormalizeTransparentKeepsColour(t *testing.T) {
	tcs := []struct {
		name string
		c    color.NRGBA
		want [3]float32
	}{
		{"transparent white", color.NRGBA{255, 255, 255, 0}, [3]float32{1, 1, 1}},
		{"half transparent white", color.NRGBA{255, 255, 255, 128}, [3]float32{1, 1, 1}},
		{"transparent red", color.NRGBA{255, 0, 0, 0}, [3]float32{1, 0, 0}},
	}
	for _, tc := range tcs {
		for _, size := range []int{64, 128, 300} {
			tensor, err := Normalize(encodePNG(t, solidImage(size, size, tc.c)), DefaultImageSize)
			if err != nil {
				t.Fatalf("%s %dpx: Normalize: %v", tc.name, size, err)
			}
			for i := 0; i < len(tensor.Data); i += Channels {
				got := [3]float32{tensor.Data[i], tensor.Data[i+1], tensor.Data[i+2]}
				if got != tc.want {
					t.Fatalf("%s %dpx: pixel %d = %v, want %v", tc.name, size, i/Channels, got, tc.want)
				}
			}
		}
	}
}

// pngHeader returns a PNG signature and IHDR chunk declaring w x h RGB
// pixels, with no image data after it.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 0, 17)
	ihdr = append(ihdr, "IHDR"...)
	ihdr = binary.BigEndian.AppendUint32(ihdr, w)
	ihdr = binary.BigEndian.AppendUint32(ihdr, h)
	ihdr = append(ihdr, 8, 2, 0, 0, 0)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, 13)
	out = append(out, ihdr...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(ihdr))
}

func TestNormalizeRejectsTooManyPixels(t *testing.T) {
	_, err := Normalize(pngHeader(15000, 15000), DefaultImageSize)
	if !IsDecode(err) || !errors.Is(err, errTooManyPixels) {
		t.Fatalf("error = %v, want too many pixels", err)
	}

	old := MaxImagePixels
	t.Cleanup(func() { MaxImagePixels = old })
	MaxImagePixels = 100
	if _, err := Normalize(encodePNG(t, solidImage(11, 10, color.White)), DefaultImageSize); !errors.Is(err, errTooManyPixels) {
		t.Fatalf("error = %v, want too many pixels", err)
	}
	if _, err := Normalize(encodePNG(t, solidImage(10, 10, color.White)), DefaultImageSize); err != nil {
		t.Fatalf("Normalize at the cap: %v", err)
	}
}

func TestPredictExample(t *testing.T) {
	model := &fakeScorer{scores: []float32{0.9, 0.1}}
	labels, err := ParseLabelMap([]byte(`{"0": "dress", "1": "shoe"}`))
	if err != nil {
		t.Fatalf("ParseLabelMap: %v", err)
	}
	tensor := &Tensor{Shape: []int64{1, 128, 128, 3}, Data: make([]float32, 128*128*3)}
	got, err := Predict(model, tensor, labels)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != "dress" {
		t.Fatalf("Predict = %q, want dress", got)
	}
}

func TestArgMaxTiesLowestIndex(t *testing.T) {
	tcs := []struct {
		scores []float32
		want   int
	}{
		{[]float32{0.1, 0.9}, 1},
		{[]float32{0.5, 0.5, 0.2}, 0},
		{[]float32{0.1, 0.7, 0.7}, 1},
		{[]float32{-3, -1, -2}, 1},
	}
	for _, tc := range tcs {
		got, err := ArgMax(tc.scores)
		if err != nil {
			t.Fatalf("ArgMax(%v): %v", tc.scores, err)
		}
		if got != tc.want {
			t.Errorf("ArgMax(%v) = %d, want %d", tc.scores, got, tc.want)
		}
	}
	if _, err := ArgMax(nil); err == nil {
		t.Error("ArgMax(nil) should fail")
	}
}

func TestPredictShapeMismatch(t *testing.T) {
	model := &fakeScorer{shape: []int64{-1, 224, 224, 3}, scores: []float32{1}}
	tensor := &Tensor{Shape: []int64{1, 128, 128, 3}}
	_, err := Predict(model, tensor, LabelMap{0: "dress"})
	var se *ShapeMismatchError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *ShapeMismatchError", err)
	}
	if model.calls != 0 {
		t.Fatalf("model scored a mismatched tensor")
	}
}

func TestPredictWildcardBatchDim(t *testing.T) {
	model := &fakeScorer{shape: []int64{-1, 128, 128, 3}, scores: []float32{0, 1}}
	tensor := &Tensor{Shape: []int64{1, 128, 128, 3}}
	got, err := Predict(model, tensor, LabelMap{0: "dress", 1: "shoe"})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != "shoe" {
		t.Fatalf("Predict = %q, want shoe", got)
	}
}

func TestPredictUnknownClassIndex(t *testing.T) {
	model := &fakeScorer{scores: []float32{0.1, 0.2, 0.7}}
	tensor := &Tensor{Shape: []int64{1, 128, 128, 3}}
	_, err := Predict(model, tensor, LabelMap{0: "dress", 1: "shoe"})
	var ue *UnknownClassIndexError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UnknownClassIndexError", err)
	}
	if ue.Index != 2 {
		t.Fatalf("Index = %d, want 2", ue.Index)
	}
	if !IsConfiguration(err) {
		t.Fatal("IsConfiguration = false")
	}
}

func TestClassifyOneDeterministic(t *testing.T) {
	b := newTestBundle(t, &fakeScorer{})
	in := ImageInput{Name: "a.png", Data: encodePNG(t, solidImage(40, 40, color.White))}
	first, err := ClassifyOne(b, in)
	if err != nil {
		t.Fatalf("ClassifyOne: %v", err)
	}
	second, err := ClassifyOne(b, in)
	if err != nil {
		t.Fatalf("ClassifyOne: %v", err)
	}
	if first != second {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	if first.ImageName != "a.png" || first.Label != "shoe" {
		t.Fatalf("result = %+v", first)
	}
}

func TestClassifyOneDecodeErrorCarriesName(t *testing.T) {
	b := newTestBundle(t, &fakeScorer{})
	_, err := ClassifyOne(b, ImageInput{Name: "broken.jpg", Data: []byte("xx")})
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
	if de.Name != "broken.jpg" {
		t.Fatalf("Name = %q", de.Name)
	}
}

func TestClassifyManyOrderAndFailures(t *testing.T) {
	b := newTestBundle(t, &fakeScorer{})
	inputs := []ImageInput{
		{Name: "white.png", Data: encodePNG(t, solidImage(20, 20, color.White))},
		{Name: "corrupt.png", Data: []byte("garbage")},
		{Name: "black.jpg", Data: encodeJPEG(t, solidImage(20, 20, color.Black))},
	}
	var progress []int
	results, err := ClassifyMany(b, inputs, WithProgress(func(done, total int) {
		if total != len(inputs) {
			t.Errorf("total = %d", total)
		}
		progress = append(progress, done)
	}))
	if err != nil {
		t.Fatalf("ClassifyMany: %v", err)
	}
	if len(results) != len(inputs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(inputs))
	}
	for i, r := range results {
		if r.ImageName != inputs[i].Name {
			t.Errorf("results[%d].ImageName = %q, want %q", i, r.ImageName, inputs[i].Name)
		}
	}
	if results[0].Label != "shoe" || results[0].Failed() {
		t.Errorf("results[0] = %+v", results[0])
	}
	if !results[1].Failed() || results[1].Label != "" {
		t.Errorf("results[1] = %+v, want failure marker", results[1])
	}
	if results[2].Label != "dress" || results[2].Failed() {
		t.Errorf("results[2] = %+v", results[2])
	}
	if CountFailed(results) != 1 {
		t.Errorf("CountFailed = %d", CountFailed(results))
	}
	if len(progress) != 3 || progress[2] != 3 {
		t.Errorf("progress = %v", progress)
	}
}

func TestClassifyManyAbortsOnConfigurationError(t *testing.T) {
	model := &fakeScorer{scores: []float32{0, 0, 1}}
	b := newTestBundle(t, model)
	inputs := []ImageInput{
		{Name: "a.png", Data: encodePNG(t, solidImage(8, 8, color.White))},
		{Name: "b.png", Data: encodePNG(t, solidImage(8, 8, color.White))},
	}
	results, err := ClassifyMany(b, inputs)
	if results != nil {
		t.Fatalf("results = %+v, want nil", results)
	}
	var ue *UnknownClassIndexError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UnknownClassIndexError", err)
	}
	if model.calls != 1 {
		t.Fatalf("calls = %d, want abort after first image", model.calls)
	}
}

func TestClassifyManyEmpty(t *testing.T) {
	results, err := ClassifyMany(newTestBundle(t, &fakeScorer{}), nil)
	if err != nil {
		t.Fatalf("ClassifyMany: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %+v", results)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("%s not empty: %v", dir, entries)
	}
}

func TestClassifyArchiveMixed(t *testing.T) {
	tmp := t.TempDir()
	ac := &ArchiveClassifier{TempDir: tmp}
	b := newTestBundle(t, &fakeScorer{})

	files := map[string][]byte{
		"c.png":           encodePNG(t, solidImage(30, 30, color.White)),
		"a.jpg":           encodeJPEG(t, solidImage(30, 30, color.Black)),
		"nested/b.jpeg":   encodeJPEG(t, solidImage(30, 30, color.White)),
		"broken.png":      []byte("not really a png"),
		"notes.txt":       []byte("ignored"),
		"enjpg":           []byte("ignored, no extension"),
		"upper/CAPS.JPG":  []byte("ignored, extensions are case-sensitive"),
		"nested/deep/.jp": []byte("ignored"),
	}
	order := []string{"c.png", "a.jpg", "nested/b.jpeg", "broken.png", "notes.txt", "enjpg", "upper/CAPS.JPG", "nested/deep/.jp"}

	results, err := ac.Classify("", b, buildZip(t, files, order))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	wantNames := []string{"a.jpg", "broken.png", "c.png", "nested/b.jpeg"}
	if len(results) != len(wantNames) {
		t.Fatalf("results = %+v, want %d entries", results, len(wantNames))
	}
	for i, r := range results {
		if r.ImageName != wantNames[i] {
			t.Errorf("results[%d].ImageName = %q, want %q", i, r.ImageName, wantNames[i])
		}
	}
	if CountFailed(results) != 1 || !results[1].Failed() {
		t.Errorf("failure markers wrong: %+v", results)
	}
	if results[0].Label != "dress" || results[2].Label != "shoe" {
		t.Errorf("labels wrong: %+v", results)
	}
	assertEmptyDir(t, tmp)
}

func TestClassifyArchiveThreeValidOneCorrupt(t *testing.T) {
	tmp := t.TempDir()
	ac := &ArchiveClassifier{TempDir: tmp}
	img := encodePNG(t, solidImage(10, 10, color.White))
	files := map[string][]byte{"1.png": img, "2.png": img, "3.png": img, "4.jpg": []byte{0xff, 0xd8, 0x00}}
	results, err := ac.Classify("", newTestBundle(t, &fakeScorer{}), buildZip(t, files, []string{"1.png", "2.png", "3.png", "4.jpg"}))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(results) != 4 || CountFailed(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	assertEmptyDir(t, tmp)
}

func TestClassifyArchiveCleansUpOnAbort(t *testing.T) {
	tmp := t.TempDir()
	ac := &ArchiveClassifier{TempDir: tmp}
	b := newTestBundle(t, &fakeScorer{err: errors.New("runtime exploded")})
	files := map[string][]byte{"a.png": encodePNG(t, solidImage(4, 4, color.White))}
	if _, err := ac.Classify("", b, buildZip(t, files, []string{"a.png"})); err == nil {
		t.Fatal("expected error")
	}
	assertEmptyDir(t, tmp)
}

func TestClassifyArchiveUsesRequestID(t *testing.T) {
	tmp := t.TempDir()
	id := "5f0c7f4e-3c2b-4d8e-9a8b-0a4c7e2f9b11"
	if err := os.Mkdir(filepath.Join(tmp, "archive-"+id), 0o700); err != nil {
		t.Fatal(err)
	}
	ac := &ArchiveClassifier{TempDir: tmp}
	files := map[string][]byte{"a.png": encodePNG(t, solidImage(4, 4, color.White))}
	// the directory for this request already exists, so extraction must refuse
	if _, err := ac.Classify(id, newTestBundle(t, &fakeScorer{}), buildZip(t, files, []string{"a.png"})); err == nil {
		t.Fatal("expected collision error")
	}
}

func TestClassifyArchiveFormatErrors(t *testing.T) {
	tmp := t.TempDir()
	b := newTestBundle(t, &fakeScorer{})
	img := encodePNG(t, solidImage(4, 4, color.White))

	tcs := []struct {
		name    string
		ac      *ArchiveClassifier
		archive []byte
	}{
		{"not a zip", &ArchiveClassifier{TempDir: tmp}, []byte("PK? nope")},
		{"empty bytes", &ArchiveClassifier{TempDir: tmp}, nil},
		{"zip slip", &ArchiveClassifier{TempDir: tmp}, buildZip(t, map[string][]byte{"../evil.png": img}, []string{"../evil.png"})},
		{"too many entries", &ArchiveClassifier{TempDir: tmp, MaxEntries: 1}, buildZip(t, map[string][]byte{"a.png": img, "b.png": img}, []string{"a.png", "b.png"})},
		{"too large", &ArchiveClassifier{TempDir: tmp, MaxBytes: 10}, buildZip(t, map[string][]byte{"a.png": img}, []string{"a.png"})},
		{"file shadows dir", &ArchiveClassifier{TempDir: tmp}, buildZip(t, map[string][]byte{"a": img, "a/b.png": img}, []string{"a", "a/b.png"})},
		{"dir shadows file", &ArchiveClassifier{TempDir: tmp}, buildZip(t, map[string][]byte{"a/b.png": img, "a": img}, []string{"a/b.png", "a"})},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.ac.Classify("", b, tc.archive)
			if !IsArchiveFormat(err) {
				t.Fatalf("error = %v, want *ArchiveFormatError", err)
			}
			assertEmptyDir(t, tmp)
		})
	}
}

func TestClassifyArchiveDefaults(t *testing.T) {
	files := map[string][]byte{"a.png": encodePNG(t, solidImage(4, 4, color.White))}
	results, err := ClassifyArchive(newTestBundle(t, &fakeScorer{}), buildZip(t, files, []string{"a.png"}))
	if err != nil {
		t.Fatalf("ClassifyArchive: %v", err)
	}
	if len(results) != 1 || results[0].Label != "shoe" {
		t.Fatalf("results = %+v", results)
	}
}

func TestHasImageExtension(t *testing.T) {
	exts := DefaultArchiveExtensions
	tcs := map[string]bool{
		"a.jpg":      true,
		"a.jpeg":     true,
		"dir/a.png":  true,
		"enjpg":      false,
		"a.JPG":      false,
		"a.png.txt":  false,
		"a.":         false,
		".png":       true,
		"archive.gz": false,
	}
	for name, want := range tcs {
		if got := HasImageExtension(name, exts); got != want {
			t.Errorf("HasImageExtension(%q) = %v, want %v", name, got, want)
		}
	}
}
