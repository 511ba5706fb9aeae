package indexing

import (
	"encoding/binary"
	"math"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/store"
)

// geoFacetedKey is geo_faceted_documents_ids' single bucket: every
// geo-tagged document, regardless of which field carried `_geo`
// (spec.md §3 treats `_geo` as a reserved attribute name, not a
// user-declared field, so it needs no field_id of its own).
var geoFacetedKey = []byte("_geo")

// geoPoint is one document's `_geo` coordinate pair.
type geoPoint struct {
	Lat, Lng float64
}

func geoFromFields(fields map[string]any) (geoPoint, bool) {
	raw, ok := fields["_geo"]
	if !ok {
		return geoPoint{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return geoPoint{}, false
	}
	lat, latOK := m["lat"].(float64)
	lng, lngOK := m["lng"].(float64)
	if !latOK || !lngOK {
		return geoPoint{}, false
	}
	return geoPoint{Lat: lat, Lng: lng}, true
}

// encodeGeoPoint packs a coordinate pair as two big-endian float64
// bitpatterns, for the flat per-document record in geo_rtree.
//
// geo_rtree is not an actual R-tree: no example repo in this workspace
// ships an R-tree/spatial-index library, so it is a flat table holding
// one record per geo-located document, with no spatial index over it.
func encodeGeoPoint(p geoPoint) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], math.Float64bits(p.Lat))
	binary.BigEndian.PutUint64(b[8:16], math.Float64bits(p.Lng))
	return b
}

// DecodeGeoPoint is the inverse of encodeGeoPoint, exported for
// readers of geo_rtree.
func DecodeGeoPoint(b []byte) (lat, lng float64) {
	if len(b) != 16 {
		return 0, 0
	}
	lat = math.Float64frombits(binary.BigEndian.Uint64(b[0:8]))
	lng = math.Float64frombits(binary.BigEndian.Uint64(b[8:16]))
	return lat, lng
}

// indexGeo applies the `_geo` addition or removal for one document
// (spec.md §4.F phase 9 "Geo indexing").
func indexGeo(tx *store.RwTx, bd *batchDeltas, docID uint32, fields map[string]any, add bool) error {
	if fields == nil {
		return nil
	}
	point, ok := geoFromFields(fields)
	if !ok {
		return nil
	}

	db, err := tx.Database(indexstore.DBGeoRtree, store.BytesCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open geo_rtree", err)
	}
	key := store.U32Key(docID)
	if add {
		bd.geoFaceted.add(geoFacetedKey, docID)
		if err := db.Put(key, encodeGeoPoint(point)); err != nil {
			return errors.StoreError(errors.CodeStoreIO, "write geo_rtree", err)
		}
	} else {
		bd.geoFaceted.del(geoFacetedKey, docID)
		if err := db.Delete(key); err != nil {
			return errors.StoreError(errors.CodeStoreIO, "delete geo_rtree", err)
		}
	}
	return nil
}
