// Package types contains small generic containers shared by the sipcall packages.
package types
