package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/nftmarket/go-market-sync/domain"
)

type Handler struct {
	sp StatusProvider
}

type StatusProvider interface {
	LastProcessedBlock() uint64
	QueueDepth() int
	GalleryUpdates() uint64
	MarketplaceUpdates() uint64
	SyncCheckpoints() ([]domain.SyncStatusRecord, error)
}

type StatusResponse struct {
	LastProcessedBlock uint64                    `json:"lastProcessedBlock"`
	QueueDepth         int                       `json:"queueDepth"`
	GalleryUpdates     uint64                    `json:"galleryUpdates"`
	MarketplaceUpdates uint64                    `json:"marketplaceUpdates"`
	SyncCheckpoints    []domain.SyncStatusRecord `json:"syncCheckpoints"`
}

func NewHandler(sp StatusProvider) *Handler {
	return &Handler{sp: sp}
}

func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	checkpoints, err := h.sp.SyncCheckpoints()
	if err != nil {
		log.Printf("Error getting sync checkpoints: %v", err)
		http.Error(w, "Error getting sync checkpoints", 500)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(StatusResponse{
		LastProcessedBlock: h.sp.LastProcessedBlock(),
		QueueDepth:         h.sp.QueueDepth(),
		GalleryUpdates:     h.sp.GalleryUpdates(),
		MarketplaceUpdates: h.sp.MarketplaceUpdates(),
		SyncCheckpoints:    checkpoints,
	})
	if err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", 500)
		return
	}
}
