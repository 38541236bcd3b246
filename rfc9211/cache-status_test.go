package rfc9211

import "testing"

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Hit()
	if s := cs.String(); s != "Offline-Worker; hit" {
		t.Fatalf("Cache-Status is %s", s)
	}

	cs = CacheStatus{Cache: "Kassenbon"}
	cs.Forward(FwdReasonUriMiss)
	cs.FwdStatus = 200
	cs.Stored = true
	if s := cs.String(); s != "Kassenbon; fwd=uri-miss; fwd-status=200; stored" {
		t.Fatalf("Cache-Status is %s", s)
	}

	cs = CacheStatus{}
	cs.Hit()
	cs.Detail = "offline"
	if s := cs.String(); s != `Offline-Worker; hit; detail="offline"` {
		t.Fatalf("Cache-Status is %s", s)
	}
}

func TestHitClearsFwdReason(t *testing.T) {
	cs := CacheStatus{}
	cs.Forward(FwdReasonMiss)
	cs.Hit()
	if !cs.IsHit() || cs.FwdReason != "" {
		t.Fatalf("Status is %+v", cs)
	}
}
