package main

import (
	"testing"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/storage/memstore"
)

func TestSplitCommaListTrimsAndDropsEmpty(t *testing.T) {
	got := splitCommaList(" broker-a:9092 , broker-b:9092,, ")
	want := []string{"broker-a:9092", "broker-b:9092"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSplitCommaListEmpty(t *testing.T) {
	if got := splitCommaList(""); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestBuildStorageDefaultsToMemory(t *testing.T) {
	cfg := &config.Config{StorageBackend: "bogus"}
	store, err := buildStorage(cfg)
	if err != nil {
		t.Fatalf("buildStorage: %v", err)
	}
	if _, ok := store.(*memstore.Store); !ok {
		t.Fatalf("expected memstore.Store for unrecognized backend, got %T", store)
	}
}

func TestBuildStorageKafkaRequiresBrokers(t *testing.T) {
	cfg := &config.Config{StorageBackend: "kafka"}
	if _, err := buildStorage(cfg); err == nil {
		t.Fatal("expected error when RELAY_KAFKA_BROKERS is unset")
	}
}

func TestBuildS3ClientNilWithoutBucket(t *testing.T) {
	cfg := &config.Config{}
	if c := buildS3Client(cfg); c != nil {
		t.Fatalf("expected nil uploader without a configured bucket, got %v", c)
	}
}
