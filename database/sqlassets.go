package sqlassets

import _ "embed"

//go:embed schema/catalog/tenants.sql
var CatalogTenantsSQL string

//go:embed schema/tenant_space/chat.sql
var TenantSpaceSQL string
