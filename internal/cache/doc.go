/*
Package cache recycles freed GPU buffer objects.

A device owns two caches: a general one and one reserved for command-ring
buffers. When the last reference to a kernel BO goes away the device offers
it to a cache; an accepted BO is parked, still holding its kernel handle,
and a later allocation of the same size class and flags takes it back
instead of asking the kernel for a new one.

# Size Classes

	4K  8K  12K  16K 20K 24K 28K  32K 40K 48K 56K  64K ...  64M 80M 96M 112M
	└── small ──┘ └─ power of two + quarter steps ─┘

Requests round up to the smallest class that fits, so a miss tells the
caller to allocate the class size. The ring cache is coarse: it only keeps
the power-of-two classes (plus 4K and 8K).

# Policy

Put declines shared and no-sync buffers, sizes that are not exactly a class
size, and anything larger than the largest class. Declined buffers are the
caller's to release.

Get takes the oldest parked BO with exactly matching flags and asks the
backend whether its pages survived (madvise will-need). A purged BO is
destroyed and the search continues.

Cleanup(now) releases entries parked longer than MaxAge; Cleanup with the
zero time releases everything, which is what purge and teardown use.

# Locking

The cache has its own mutex and never calls out while holding it. The
identity-table lock, when held, is always taken before the cache lock.
*/
package cache
