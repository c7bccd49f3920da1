// Package api defines the JSON types exchanged over the patchd admin API.
package api

// Title is the authoritative record of one managed software product.
type Title struct {
	// Name is the identifying key of the title.
	Name string `json:"name"`
	// DisplayName is the human-readable product name shown in the catalog.
	DisplayName string `json:"display_name,omitempty"`
	// Publisher names the software vendor.
	Publisher string `json:"publisher,omitempty"`
	// VersionOrder lists the title's version strings, newest first. It
	// contains exactly the existing versions.
	VersionOrder []string `json:"version_order"`
	// CatalogTitleID correlates the title record in the catalog editor.
	CatalogTitleID string `json:"catalog_title_id,omitempty"`
	// ExtensionAttributeID correlates the script-based detection attribute
	// in the catalog editor.
	ExtensionAttributeID string `json:"extension_attribute_id,omitempty"`
	// TitlePolicyID correlates the deployment-server policy that installs
	// whatever version is currently released.
	TitlePolicyID string `json:"title_policy_id,omitempty"`
	// ExpectAcceptance marks that the deployment server is expected to
	// re-accept the detection script after a title update.
	ExpectAcceptance bool `json:"expect_acceptance,omitempty"`
	// CreatedAt is the creation time as a Unix timestamp in seconds.
	CreatedAt int64 `json:"created_at_unix"`
	// CreatedBy records the operator who created the title.
	CreatedBy string `json:"created_by,omitempty"`
	// ModifiedAt is the last modification time as a Unix timestamp in seconds.
	ModifiedAt int64 `json:"modified_at_unix"`
	// ModifiedBy records the operator who last modified the title.
	ModifiedBy string `json:"modified_by,omitempty"`
}

// Version is the authoritative record of one installable release of a title.
type Version struct {
	// Title is the owning title's name.
	Title string `json:"title"`
	// Version is the release string, unique within the title.
	Version string `json:"version"`
	// Status is the lifecycle state: pending, pilot, released, deprecated,
	// or skipped.
	Status string `json:"status"`
	// CatalogVersionID correlates the catalog editor's version entry.
	CatalogVersionID string `json:"catalog_version_id,omitempty"`
	// PackageID correlates the deployment server's package object.
	PackageID string `json:"package_id,omitempty"`
	// PilotGroupID correlates the deployment group scoping pilot installs.
	PilotGroupID string `json:"pilot_group_id,omitempty"`
	// PilotPolicyID correlates the policy installing to the pilot group.
	PilotPolicyID string `json:"pilot_policy_id,omitempty"`
	// ReinstallPolicyID correlates the self-service re-install policy.
	ReinstallPolicyID string `json:"reinstall_policy_id,omitempty"`
	// CreatedAt is the creation time as a Unix timestamp in seconds.
	CreatedAt int64 `json:"created_at_unix"`
	// CreatedBy records the operator who added the version.
	CreatedBy string `json:"created_by,omitempty"`
	// ModifiedAt is the last modification time as a Unix timestamp in seconds.
	ModifiedAt int64 `json:"modified_at_unix"`
	// ModifiedBy records the operator who last modified the version.
	ModifiedBy string `json:"modified_by,omitempty"`
}

// CreateTitleRequest models POST /v1/titles.
type CreateTitleRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	// DetectionScript is the script-based detection attribute uploaded to
	// the catalog editor alongside the title.
	DetectionScript string `json:"detection_script,omitempty"`
	// Actor records the operator performing the request.
	Actor string `json:"actor,omitempty"`
}

// UpdateTitleRequest models PATCH-style updates via POST /v1/titles/{title}.
// Nil fields are left unchanged. Changing the detection script cascades a
// catalog update to every existing version.
type UpdateTitleRequest struct {
	DisplayName     *string `json:"display_name,omitempty"`
	Publisher       *string `json:"publisher,omitempty"`
	DetectionScript *string `json:"detection_script,omitempty"`
	Actor           string  `json:"actor,omitempty"`
}

// AddVersionRequest models POST /v1/titles/{title}/versions.
type AddVersionRequest struct {
	Version string `json:"version"`
	// PackageName is the deployment-server package to assign once the new
	// catalog entry has propagated.
	PackageName string `json:"package_name,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// ReleaseVersionRequest models the explicit release operation.
type ReleaseVersionRequest struct {
	Actor string `json:"actor,omitempty"`
}

// ReuploadPackageRequest models a version-scoped package re-upload.
type ReuploadPackageRequest struct {
	PackageName string `json:"package_name,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// TitleResponse bundles a title with its version records.
type TitleResponse struct {
	Title    Title     `json:"title"`
	Versions []Version `json:"versions"`
}

// TitleListResponse models GET /v1/titles.
type TitleListResponse struct {
	Titles []Title `json:"titles"`
}

// ProgressLine is one NDJSON row of an operation's progress stream.
type ProgressLine struct {
	// OperationID identifies the operation emitting the line.
	OperationID string `json:"operation_id"`
	// CorrelationID links the line to the initiating request.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Message is the human-readable status line.
	Message string `json:"message"`
	// Level is the log severity mirrored for this line, when any.
	Level string `json:"level,omitempty"`
	// Alert marks lines escalated to the operator-notification sink.
	Alert bool `json:"alert,omitempty"`
	// Time is the emission time in RFC 3339 format.
	Time string `json:"time"`
	// Done marks the final line of the synchronous portion; background
	// reconciliation may continue afterwards.
	Done bool `json:"done,omitempty"`
	// Error carries the failure detail when the synchronous portion failed.
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable patchd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}

// HealthResponse models GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
