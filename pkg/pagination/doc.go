// Package pagination walks cursor-paginated admin API endpoints.
//
// The admin API returns an opaque cursor in links.next that is only valid
// when requested in sequence, so pages are fetched strictly one after the
// other. A Paginator is a two-state machine:
//
//	FETCHING --page with cursor--> FETCHING
//	FETCHING --page without cursor / no data / error--> DONE
//
// Example usage:
//
//	pages := pagination.New(apiClient, pagination.DefaultConfig(), logger)
//	for {
//		page, err := pages.Next(ctx)
//		if errors.Is(err, pagination.ErrDone) {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		handle(page.Records)
//	}
//
// Each fetch runs under its own timeout; there is no deadline across pages.
package pagination
