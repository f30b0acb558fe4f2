package cache

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
)

func TestEncodeZenCacheLayout(t *testing.T) {
	keys := []string{"a/out:0", "b/out:0", "c/out:2"}
	blobs := [][]byte{[]byte("x"), []byte("yy"), []byte("zzz")}

	got, err := EncodeZenCache(keys, blobs)
	if err != nil {
		t.Fatalf("EncodeZenCache: %v", err)
	}

	want := []byte("ZENCACHE3\aa/out:0\ab/out:0\ac/out:2\a")
	for _, off := range []uint64{0, 1, 3, 6} {
		want = binary.LittleEndian.AppendUint64(want, off)
	}
	want = append(want, "xyyzzz"...)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}

	gotKeys, gotBlobs, err := DecodeZenCache(got)
	if err != nil {
		t.Fatalf("DecodeZenCache: %v", err)
	}
	if diff := cmp.Diff(keys, gotKeys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(blobs, gotBlobs); diff != "" {
		t.Errorf("blobs mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeZenCacheRejectsBadInput(t *testing.T) {
	if _, err := EncodeZenCache([]string{"a"}, nil); err == nil {
		t.Error("expected error for mismatched lengths")
	}
	if _, err := EncodeZenCache([]string{"a\ab"}, [][]byte{nil}); err == nil {
		t.Error("expected error for key containing the separator")
	}
	data, err := EncodeZenCache(nil, nil)
	if err != nil {
		t.Fatalf("EncodeZenCache(empty): %v", err)
	}
	keys, _, err := DecodeZenCache(data)
	if err != nil || len(keys) != 0 {
		t.Errorf("empty file decoded to %v, %v", keys, err)
	}
}

func TestZenCacheRoundTripPreservesEncodedSize(t *testing.T) {
	codec := objects.NewMsgpackCodec()
	in := map[string]objects.Object{
		"n1/out:0": &objects.Geometry{Points: [][3]float64{{1, 2, 3}}, Attrs: map[string][]float64{"w": {0.5}}},
		"n2/out:1": objects.NewList(objects.NewGeometry(), objects.NewGeometry()),
		"n3/out:0": &objects.Dict{Items: map[string]objects.Object{"a": objects.NewGeometry()}},
	}
	keys := []string{"n1/out:0", "n2/out:1", "n3/out:0"}
	blobs := make([][]byte, len(keys))
	for i, k := range keys {
		b, err := codec.Encode(in[k])
		if err != nil {
			t.Fatalf("Encode %s: %v", k, err)
		}
		blobs[i] = b
	}
	data, err := EncodeZenCache(keys, blobs)
	if err != nil {
		t.Fatalf("EncodeZenCache: %v", err)
	}

	out, err := DecodeObjects(data, codec)
	if err != nil {
		t.Fatalf("DecodeObjects: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d objects, want %d", len(out), len(in))
	}
	for i, k := range keys {
		obj, ok := out[k]
		if !ok {
			t.Fatalf("key %s missing after round trip", k)
		}
		b, err := codec.Encode(obj)
		if err != nil {
			t.Fatalf("re-encode %s: %v", k, err)
		}
		if len(b) != len(blobs[i]) {
			t.Errorf("%s re-encoded to %d bytes, want %d", k, len(b), len(blobs[i]))
		}
	}
}

func TestDecodeZenCacheCorruption(t *testing.T) {
	valid, err := EncodeZenCache([]string{"k1", "k2"}, [][]byte{[]byte("ab"), []byte("cd")})
	if err != nil {
		t.Fatalf("EncodeZenCache: %v", err)
	}
	header := len("ZENCACHE2\ak1\ak2\a")

	withOffsets := func(offs ...uint64) []byte {
		out := append([]byte(nil), valid[:header]...)
		for _, o := range offs {
			out = binary.LittleEndian.AppendUint64(out, o)
		}
		return append(out, "abcd"...)
	}

	tests := []struct {
		name string
		data []byte
		code string
	}{
		{"bad magic", []byte("ZENCACHX2\a"), engine.ErrCodeBadMagic},
		{"short magic", []byte("ZEN"), engine.ErrCodeBadMagic},
		{"count not a number", []byte("ZENCACHEtwo\a"), engine.ErrCodeBadMagic},
		{"count not terminated", []byte("ZENCACHE2"), engine.ErrCodeTruncated},
		{"keys truncated", []byte("ZENCACHE2\ak1\ak2"), engine.ErrCodeTruncated},
		{"count exceeds file", []byte("ZENCACHE999999999999999999\a"), engine.ErrCodeTruncated},
		{"count near max int", []byte("ZENCACHE9223372036854775807\ak1\a"), engine.ErrCodeTruncated},
		{"offset table truncated", valid[:header+10], engine.ErrCodeTruncated},
		{"payload truncated", valid[:len(valid)-1], engine.ErrCodeTruncated},
		{"offsets decrease", withOffsets(0, 3, 2), engine.ErrCodeOffsetRange},
		{"first offset not zero", withOffsets(1, 2, 4), engine.ErrCodeOffsetRange},
		{"trailing bytes", append(append([]byte(nil), valid...), 'x'), engine.ErrCodeOffsetRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeZenCache(tt.data)
			if !engine.IsCacheCorruption(err) {
				t.Fatalf("expected cache corruption, got %v", err)
			}
			if !engine.HasCode(err, tt.code) {
				t.Errorf("expected code %s, got %v", tt.code, err)
			}
		})
	}
}

func TestZeroByteFileHoldsNoObjects(t *testing.T) {
	keys, blobs, err := DecodeZenCache(nil)
	if err != nil || keys != nil || blobs != nil {
		t.Errorf("DecodeZenCache(nil) = %v, %v, %v", keys, blobs, err)
	}
}
