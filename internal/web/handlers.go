package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/evac"
)

// FieldDeparture is the vessel field shown on self lookups.
const FieldDeparture = "Estimated Departure"

// Gate check verdicts.
const (
	MessageCleared    = "Cleared To Board"
	MessageNotCleared = "Not Permitted : see gate staff"
)

// Placeholders of a self lookup.
const (
	NoVessel    = "Not Currently Assigned"
	NoDeparture = "Departure not specified"
)

type lookupResponse struct {
	Item     document.Doc    `json:"item"`
	PhysIDs  []string        `json:"physids"`
	Parents  evac.ParentInfo `json:"parents"`
	HasPhoto bool            `json:"has_photo"`
}

func (s *Server) lookup(c *gin.Context) {
	ctx := c.Request.Context()
	found, err := s.h.IDs.LookupAny(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.h.Item(ctx, found.ID())
	if err != nil {
		s.fail(c, err)
		return
	}
	physids, err := s.h.IDs.IDs(ctx, item.ID())
	if err != nil {
		s.fail(c, err)
		return
	}
	parents, err := s.h.ParentInfo(ctx, item.ID())
	if err != nil {
		s.fail(c, err)
		return
	}
	_, hasPhoto, err := s.h.Photos.LoadEncoded(ctx, item.ID())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lookupResponse{Item: item, PhysIDs: physids, Parents: parents, HasPhoto: hasPhoto})
}

type selfLookupResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Vessel    string `json:"vessel"`
	Departure string `json:"departure"`
	Photo     string `json:"photo,omitempty"` // base64
}

// selfLookup is the evacuee's own view: where they are and when they leave.
func (s *Server) selfLookup(c *gin.Context) {
	physid := c.Query("physid")
	if physid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "physid is required"})
		return
	}
	ctx := c.Request.Context()
	item, err := s.h.IDs.LookupAny(ctx, physid)
	if err != nil {
		s.fail(c, err)
		return
	}
	parents, err := s.h.ParentInfo(ctx, item.ID())
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := selfLookupResponse{
		ID:        item.ID(),
		Name:      s.h.Name(item),
		Path:      parents.Path,
		Vessel:    NoVessel,
		Departure: NoDeparture,
	}
	if parents.Vessel != nil {
		resp.Vessel = parents.VesselName
		if dep := parents.Vessel.Str(FieldDeparture); dep != "" {
			resp.Departure = dep
		}
	}
	if resp.Photo, _, err = s.h.Photos.LoadEncoded(ctx, item.ID()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type gateCheckResponse struct {
	Cleared       bool   `json:"cleared"`
	Message       string `json:"message"`
	EvacueeID     string `json:"evacuee_id,omitempty"`
	EvacueeName   string `json:"evacuee_name,omitempty"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Photo         string `json:"photo,omitempty"`
}

func (s *Server) gateCheck(c *gin.Context) {
	contid, physid := c.Query("contid"), c.Query("physid")
	if contid == "" || physid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contid and physid are required"})
		return
	}
	ctx := c.Request.Context()
	res, err := s.h.GateCheck(ctx, contid, physid)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := gateCheckResponse{
		Cleared:       res.Cleared,
		Message:       MessageNotCleared,
		ContainerID:   res.Container.ID(),
		ContainerName: s.h.Name(res.Container),
	}
	if res.Cleared {
		resp.Message = MessageCleared
	}
	if res.Evacuee != nil {
		resp.EvacueeID = res.Evacuee.ID()
		resp.EvacueeName = s.h.Name(res.Evacuee)
		if resp.Photo, _, err = s.h.Photos.LoadEncoded(ctx, res.Evacuee.ID()); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) manifest(c *gin.Context) {
	vesselid := c.Query("vesselid")
	if vesselid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vesselid is required"})
		return
	}
	m, err := s.h.Manifest(c.Request.Context(), vesselid)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"namespace":      s.h.DBs.Namespace,
		"schema_version": s.h.Schema.Version(),
		"prepared":       s.h.IDs.Prepared(),
	})
}
