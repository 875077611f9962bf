package api

import (
	"net/http"
	"testing"

	"github.com/harborline/backoffice/pkg/procurement"
)

func TestReports_VisibilityData(t *testing.T) {
	srv := newTestServer(t, setupAPIDB(t))

	rec := doRequest(t, srv, "GET", "/api/v1/reports/procurement_end_to_end/data", "ops@example.com", nil, nil)
	requireStatus(t, rec, http.StatusOK)
	var page procurement.ReportPage[procurement.VisibilityRow]
	decodeBody(t, rec, &page)
	if page.Total != 4 || len(page.Data) != 4 {
		t.Fatalf("unexpected page: total=%d rows=%d", page.Total, len(page.Data))
	}

	// Forwarder sees only the schedule lines planned onto their shipment
	rec = doRequest(t, srv, "GET", "/api/v1/reports/procurement_end_to_end/data", "fwd@example.com", nil, nil)
	requireStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &page)
	if page.Total != 1 || page.Data[0].PONumber != "PO-2000" {
		t.Fatalf("unexpected forwarder page: %+v", page)
	}

	// Pagination
	rec = doRequest(t, srv, "GET", "/api/v1/reports/procurement_end_to_end/data?page=2&limit=3", "ops@example.com", nil, nil)
	requireStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &page)
	if page.Total != 4 || len(page.Data) != 1 {
		t.Fatalf("unexpected second page: total=%d rows=%d", page.Total, len(page.Data))
	}
}

func TestReports_POToGroupData(t *testing.T) {
	srv := newTestServer(t, setupAPIDB(t))

	rec := doRequest(t, srv, "GET", "/api/v1/reports/po_to_group/data", "ops@example.com", nil, nil)
	requireStatus(t, rec, http.StatusOK)
	var rows []procurement.POGroupRow
	decodeBody(t, rec, &rows)
	if len(rows) != 1 || rows[0].PONumber != "PO-1000" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	// Fully planned POs drop out for their supplier
	rec = doRequest(t, srv, "GET", "/api/v1/reports/po_to_group/data", "vendor@example.com", nil, nil)
	requireStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &rows)
	if len(rows) != 0 {
		t.Fatalf("expected no rows for supplier, got %+v", rows)
	}
}

func TestReports_Metadata(t *testing.T) {
	srv := newTestServer(t, setupAPIDB(t))

	rec := doRequest(t, srv, "GET", "/api/v1/reports/procurement_end_to_end/metadata", "ops@example.com", nil, nil)
	requireStatus(t, rec, http.StatusOK)
	var meta procurement.ReportMetadata
	decodeBody(t, rec, &meta)
	if meta.ReportID != "procurement_end_to_end" || len(meta.Fields) == 0 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	rec = doRequest(t, srv, "GET", "/api/v1/reports/po_to_group/metadata", "ops@example.com", nil, nil)
	requireStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &meta)
	if meta.ReportID != "po_to_group" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}
